package configuration

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"x-agent-manager/infrastructure/logger"
)

// LoadEnvFromFile loads KEY=VALUE pairs from one or more files (e.g., config.env, .env,
// ~/.secrets/x-agent-manager/config). Missing files are skipped, empty values are ignored
// and existing env vars are not overridden.
func LoadEnvFromFile(paths ...string) {
	for _, p := range paths {
		path := expandHome(p)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			logger.GetLogger().WithField("file", path).WithField("error", err).Warn("Skipping unreadable env file")
			continue
		}
		for key, val := range vars {
			if key == "" || val == "" {
				continue
			}
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}

// SecretFileCandidates lists the secret files consulted for an account, most specific first:
// an explicit file (or X_SECRETS_FILE), the per-account file under root, then the shared config file.
func SecretFileCandidates(secretsRoot, accountDir, explicit string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	if explicit != "" {
		add(explicit)
	} else {
		add(os.Getenv("X_SECRETS_FILE"))
	}
	root := expandHome(secretsRoot)
	if accountDir != "" && accountDir != "." {
		add(filepath.Join(root, filepath.Base(filepath.Clean(accountDir))))
	}
	if st, err := os.Stat(root); err == nil && !st.IsDir() {
		add(root)
	} else {
		add(filepath.Join(root, "config"))
	}
	return out
}
