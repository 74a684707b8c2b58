// Package auth signs the authenticated-user claim a job carries. The
// spooler trusts a job's authuser for permission checks only when the
// job's token verifies against the shared key file.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xinlaoda/spoold/internal/job"
)

// KeySize is the number of random bytes in the auth key.
const KeySize = 32

// ErrInvalidToken is returned when a job's token does not match its claim.
var ErrInvalidToken = errors.New("invalid job token")

// GenerateKeyFile creates a new random key file at path. The file is
// readable by the spool owner only.
func GenerateKeyFile(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate random key: %w", err)
	}
	encoded := hex.EncodeToString(key) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	return key, nil
}

// LoadKey reads the key file at path.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key from %s: %w", path, err)
	}
	return key, nil
}

// LoadOrGenerate reads the key file at path, creating it when missing.
func LoadOrGenerate(path string) ([]byte, error) {
	key, err := LoadKey(path)
	if errors.Is(err, os.ErrNotExist) {
		return GenerateKeyFile(path)
	}
	return key, err
}

// ComputeToken signs "user|identifier|timestamp" with key.
func ComputeToken(user, identifier string, timestamp int64, key []byte) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s|%s|%d", user, identifier, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign records user as j's authenticated user together with a token
// binding it to the job's identifier.
func Sign(j *job.Job, user string, key []byte, now time.Time) {
	ts := now.Unix()
	j.SetAuthUser(user)
	j.SetAuthToken(strconv.FormatInt(ts, 10) + ":" + ComputeToken(user, j.Identifier(), ts, key))
}

// Verify checks j's token against its authuser and identifier.
func Verify(j *job.Job, key []byte) error {
	user := j.AuthUser()
	tsText, mac, ok := strings.Cut(j.AuthToken(), ":")
	if !ok {
		return fmt.Errorf("%w: missing token for %s", ErrInvalidToken, user)
	}
	ts, err := strconv.ParseInt(tsText, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrInvalidToken, tsText)
	}
	expected := ComputeToken(user, j.Identifier(), ts, key)
	if !hmac.Equal([]byte(mac), []byte(expected)) {
		return fmt.Errorf("%w: for user %s", ErrInvalidToken, user)
	}
	return nil
}
