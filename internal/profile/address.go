package profile

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/wallet-cluster-engine/internal/errors"
)

// NormalizeAddress validates an EVM address and returns its canonical lowercase form.
// Mixed-case input must carry a valid EIP-55 checksum.
func NormalizeAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return "", apperrors.NewInvalidAddressError(raw, "missing 0x prefix")
	}
	if !common.IsHexAddress(addr) {
		return "", apperrors.NewInvalidAddressError(raw, "expected 40 hex characters")
	}

	hexPart := addr[2:]
	if hexPart != strings.ToLower(hexPart) && hexPart != strings.ToUpper(hexPart) {
		mixed, err := common.NewMixedcaseAddressFromString("0x" + hexPart)
		if err != nil || !mixed.ValidChecksum() {
			return "", apperrors.NewInvalidAddressError(raw, "invalid EIP-55 checksum")
		}
	}

	return "0x" + strings.ToLower(hexPart), nil
}

// PartitionAddresses normalizes raw input, dropping duplicates.
// Valid addresses keep first-seen order; invalid ones are returned verbatim.
func PartitionAddresses(raw []string) (valid, invalid []string) {
	seen := make(map[string]struct{}, len(raw))
	badSeen := make(map[string]struct{})
	valid = make([]string, 0, len(raw))
	invalid = make([]string, 0)

	for _, r := range raw {
		addr, err := NormalizeAddress(r)
		if err != nil {
			if _, dup := badSeen[r]; !dup {
				badSeen[r] = struct{}{}
				invalid = append(invalid, r)
			}
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		valid = append(valid, addr)
	}
	return valid, invalid
}
