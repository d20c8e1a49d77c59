package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/raldone01/borgback/internal/models"
	"github.com/raldone01/borgback/internal/schedule"
)

func TestPrintSummary(t *testing.T) {
	cfg := &models.Config{
		BorgPath: "/usr/bin/borg",
		HostRoot: "/host",
		LogLevel: "INFO",
		Repositories: []models.RepositoryConfig{
			{
				Name:         "offsite",
				CronInterval: "0 3 * * *",
				Enabled:      true,
				RepoURL:      "ssh://backup@nas/./borg",
				Hostname:     "host1",
				FilesInclude: []string{"/data", "/etc"},
				Retention:    models.RetentionPolicy{KeepDaily: 7, KeepWeekly: 4, KeepMonthly: 2, KeepYearly: 1},
				Passphrase:   "do-not-print",
				LogLevel:     "DEBUG",
				WOL:          &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF", BroadcastIP: "255.255.255.255"},
			},
			{
				Name:         "manual",
				CronInterval: models.Unscheduled,
			},
		},
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)

	var buf bytes.Buffer
	printSummary(&buf, cfg, schedule.New(), now)
	out := buf.String()

	assert.Contains(t, out, "Configuration is valid!")
	assert.Contains(t, out, "Repositories: 2")
	assert.Contains(t, out, `Repository "offsite":`)
	assert.Contains(t, out, "Include: /data, /etc")
	assert.Contains(t, out, "0 3 * * * (next run around 2024/05/02 03:00:00)")
	assert.Contains(t, out, "Wake-on-LAN: AA:BB:CC:DD:EE:FF via 255.255.255.255")
	assert.Contains(t, out, "Schedule: unscheduled")
	assert.NotContains(t, out, "do-not-print")
}

func TestFinish(t *testing.T) {
	assert.NoError(t, finish("backup", models.ResultSuccess))

	err := finish("backup", 5)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "result 5")
}

func TestSetupLogging_RejectsUnknownLevel(t *testing.T) {
	assert.Error(t, setupLogging("LOUD"))
	assert.NoError(t, setupLogging(""))
	assert.NoError(t, setupLogging("warning"))
}
