// Package identity resolves the local peer identity described in spec §4.3:
// the git global email, its identity hash, a persistent instance id, and the
// host name. When no git email is configured the peer fabric is disabled for
// the process lifetime; this is a normal, non-fatal outcome.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

const instanceIDFile = "tunnel-instance-id"

// Identity is the resolved local peer identity.
type Identity struct {
	Email        string
	IdentityHash string
	InstanceID   string
	Hostname     string
}

// Status reports whether the peer fabric may be enabled for this process.
type Status struct {
	Enabled  bool
	Identity *Identity
}

// Resolve implements spec §4.3: read git global user.email; if absent,
// return a disabled status rather than erroring. Otherwise compute the
// identity hash, load-or-create a persistent instance id under dataDir, and
// capture the OS hostname.
func Resolve(dataDir string, log *logrus.Entry) (Status, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField(trace.Component, "identity")

	email, err := gitGlobalEmail()
	if err != nil || email == "" {
		log.Info("no git global user.email configured, peer fabric disabled")
		return Status{Enabled: false}, nil
	}

	instanceID, err := loadOrCreateInstanceID(dataDir)
	if err != nil {
		return Status{}, trace.Wrap(err, "resolving instance id")
	}

	hostname, err := os.Hostname()
	if err != nil {
		return Status{}, trace.Wrap(err, "resolving hostname")
	}

	return Status{
		Enabled: true,
		Identity: &Identity{
			Email:        email,
			IdentityHash: HashEmail(email),
			InstanceID:   instanceID,
			Hostname:     hostname,
		},
	}, nil
}

// HashEmail returns the first 16 hex characters of SHA-256(email), the
// peer-pairing key described in the GLOSSARY.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])[:16]
}

func gitGlobalEmail() (string, error) {
	out, err := exec.Command("git", "config", "--global", "user.email").Output()
	if err != nil {
		// git missing or no global email configured; both are the
		// "not enabled" case, not an error worth surfacing.
		return "", nil
	}
	return strings.TrimSpace(string(out)), nil
}

func loadOrCreateInstanceID(dataDir string) (string, error) {
	path := dataDir + string(os.PathSeparator) + instanceIDFile

	if raw, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(raw))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", trace.Wrap(err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", trace.Wrap(err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", trace.Wrap(err)
	}
	return id, nil
}
