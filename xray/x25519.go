package xray

import (
	"os/exec"
	"regexp"

	"github.com/veilgate/veilgate/config"
	"github.com/veilgate/veilgate/util/common"
)

// DeriveKeyFunc derives a reality public key from a private key.
type DeriveKeyFunc func(privateKey string) (string, error)

var publicKeyRegex = regexp.MustCompile(`Public key:\s*([A-Za-z0-9+/=\-_]+)`)

// DerivePublicKey runs the engine's x25519 helper on the configured private
// key and parses the public key out of its output.
func DerivePublicKey(privateKey string) (string, error) {
	out, err := exec.Command(config.GetXrayBinaryPath(), "x25519", "-i", privateKey).Output()
	if err != nil {
		return "", err
	}
	match := publicKeyRegex.FindSubmatch(out)
	if match == nil {
		return "", common.NewError("no public key in x25519 output")
	}
	return string(match[1]), nil
}
