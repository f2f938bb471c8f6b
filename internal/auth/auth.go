package auth

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// AllowAll authorizes every credential pair. Most pools identify workers
// by username alone and treat the password as a free-form field.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, username, password string) (bool, error) {
	return username != "", nil
}

// FileAuthenticator checks credentials against a file of
// "username:password" lines. Lines starting with '#' and blank lines are
// ignored. Reload replaces the whole table atomically.
type FileAuthenticator struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	creds map[string]string
}

// NewFileAuthenticator loads the credentials file at path.
func NewFileAuthenticator(path string, logger *zap.Logger) (*FileAuthenticator, error) {
	a := &FileAuthenticator{path: path, logger: logger}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the credentials file.
func (a *FileAuthenticator) Reload() error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("open credentials file: %w", err)
	}
	defer f.Close()

	creds := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		username, password, found := strings.Cut(line, ":")
		if !found || username == "" {
			return fmt.Errorf("credentials file line %d: want username:password", lineNum)
		}
		creds[username] = password
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read credentials file: %w", err)
	}

	a.mu.Lock()
	a.creds = creds
	a.mu.Unlock()

	a.logger.Info("credentials loaded",
		zap.String("path", a.path),
		zap.Int("workers", len(creds)),
	)
	return nil
}

// Authorize checks one credential pair. Unknown usernames and wrong
// passwords are indistinguishable to the caller.
func (a *FileAuthenticator) Authorize(ctx context.Context, username, password string) (bool, error) {
	a.mu.RLock()
	want, ok := a.creds[username]
	a.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1, nil
}
