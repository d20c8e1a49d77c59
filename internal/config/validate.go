package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/raldone01/borgback/internal/logging"
	"github.com/raldone01/borgback/internal/models"
	"github.com/raldone01/borgback/internal/schedule"
)

// ReadPassFile checks that path is a readable regular file and returns its
// trimmed content, which must not be empty.
func ReadPassFile(path string) (string, error) {
	if err := checkReadableFile(path); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("file %q is not readable: %w", path, err)
	}
	pass := strings.TrimSpace(string(data))
	if pass == "" {
		return "", fmt.Errorf("file %q is empty", path)
	}
	return pass, nil
}

// ValidateSSHKey checks the permissions of a private key and its directory
// and that ssh can use the key without a passphrase.
func ValidateSSHKey(path string) error {
	if err := checkReadableFile(path); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o600 != 0o600 {
		return fmt.Errorf("file %q permissions are %04o, owner needs read and write", path, info.Mode().Perm())
	}

	dir := filepath.Dir(path)
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if dirInfo.Mode().Perm()&0o700 != 0o700 {
		return fmt.Errorf("directory %q permissions are %04o, owner needs read, write and execute", dir, dirInfo.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("file %q is not readable: %w", path, err)
	}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return fmt.Errorf("key %q is passphrase protected, borg runs ssh in batch mode", path)
		}
		return fmt.Errorf("key %q is not a private key: %w", path, err)
	}
	return nil
}

// ValidateCron checks a schedule expression. Unscheduled is valid.
func ValidateCron(expression string) error {
	return schedule.New().Validate(expression)
}

// ValidateLogLevel checks a level name such as "INFO".
func ValidateLogLevel(level string) error {
	_, err := logging.ParseLevel(level)
	return err
}

// ValidatePollURL checks the Wake-on-LAN poll target.
func ValidatePollURL(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%q has no host", target)
		}
		return nil
	case "tcp":
		if u.Hostname() == "" || u.Port() == "" {
			return fmt.Errorf("%q must look like tcp://host:port", target)
		}
		return nil
	}
	return fmt.Errorf("%q: scheme must be http, https or tcp", target)
}

func checkReadableFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file %q does not exist: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%q is not a regular file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file %q is not readable: %w", path, err)
	}
	return f.Close()
}

// Validate performs cross-repository checks on a loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return InvalidValue.New("configuration is nil")
	}
	if len(cfg.Repositories) == 0 {
		return InvalidValue.New("no repositories configured, add a [%s.<name>] section", SectionRepositories)
	}
	if err := ValidateLogLevel(cfg.LogLevel); err != nil {
		return InvalidValue.Wrap(err, "log_level")
	}

	seen := make(map[string]string, len(cfg.Repositories))
	for _, repo := range cfg.Repositories {
		if err := validateName(repo.Name); err != nil {
			return err
		}
		lower := strings.ToLower(repo.Name)
		if other, ok := seen[lower]; ok {
			return InvalidValue.New("repository names %q and %q differ only in case", other, repo.Name)
		}
		seen[lower] = repo.Name

		if err := validateRepository(repo); err != nil {
			return err
		}
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return InvalidValue.New("repository name must not be empty")
	}
	if strings.ContainsAny(name, ". \t") {
		return InvalidValue.New("repository name %q must not contain dots or whitespace", name)
	}
	return nil
}

func validateRepository(repo models.RepositoryConfig) error {
	if repo.Passphrase == "" {
		return InvalidValue.New("repository %q: passphrase is empty", repo.Name)
	}
	if !repo.Enabled {
		return nil
	}
	if repo.RepoURL == "" {
		return InvalidValue.New("repository %q: %s is required for enabled repositories", repo.Name, KeyRepoURL)
	}
	if repo.Hostname == "" {
		return InvalidValue.New("repository %q: %s is required for enabled repositories", repo.Name, KeyHostname)
	}
	if repo.WOL != nil {
		if _, err := net.ParseMAC(repo.WOL.MACAddress); err != nil {
			return InvalidValue.Wrap(err, "repository %q: %s", repo.Name, KeyWOLMACAddress)
		}
		if net.ParseIP(repo.WOL.BroadcastIP) == nil {
			return InvalidValue.New("repository %q: %s: invalid IP %q", repo.Name, KeyWOLBroadcastIP, repo.WOL.BroadcastIP)
		}
		if repo.WOL.PollURL != "" {
			if err := ValidatePollURL(repo.WOL.PollURL); err != nil {
				return InvalidValue.Wrap(err, "repository %q: %s", repo.Name, KeyWOLPollURL)
			}
		}
	}
	return nil
}
