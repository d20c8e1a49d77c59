package borg

import (
	"github.com/alessio/shellescape"

	"github.com/raldone01/borgback/internal/models"
)

// Env returns base extended by the variables borg needs to access the
// repository non-interactively. Later entries win for duplicate keys.
func Env(base []string, cfg models.RepositoryConfig) []string {
	env := make([]string, 0, len(base)+5)
	env = append(env, base...)
	return append(env,
		"BORG_PASSPHRASE="+cfg.Passphrase,
		"BORG_RSH="+RSH(cfg.SSHKeyFile),
		"BORG_REPO="+cfg.RepoURL,
		"BORG_RELOCATED_REPO_ACCESS_IS_OK=no",
		"BORG_UNKNOWN_UNENCRYPTED_REPO_ACCESS_IS_OK=no",
	)
}

// RSH returns the ssh command borg uses for remote repositories. BatchMode
// makes ssh fail instead of prompting. The key path is quoted for the shlex
// style splitting borg applies to BORG_RSH.
func RSH(keyFile string) string {
	rsh := "ssh -oBatchMode=yes"
	if keyFile != "" {
		rsh += " -i " + shellescape.Quote(keyFile)
	}
	return rsh
}
