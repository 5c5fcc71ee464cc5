package contract

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// hardhat / ganache style: "reverted with reason string 'Bet not closable'"
var reasonStringPattern = regexp.MustCompile(`reverted with reason string '([^']*)'`)

// revertMarkers are substrings nodes use when a call is rejected by the contract.
var revertMarkers = []string{
	"execution reverted",
	"VM Exception while processing transaction",
	"reverted with",
}

// IsRevertError reports whether err is a contract-level rejection rather than
// a transport failure.
func IsRevertError(err error) bool {
	_, ok := RevertReason(err)
	return ok
}

// RevertReason extracts the revert reason carried by an RPC error.
// The second return is false when err is not a revert.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	// Prefer the ABI-encoded Error(string) payload when the node returns it.
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}

	msg := err.Error()
	if m := reasonStringPattern.FindStringSubmatch(msg); len(m) == 2 {
		return m[1], true
	}
	for _, marker := range revertMarkers {
		idx := strings.Index(msg, marker)
		if idx < 0 {
			continue
		}
		reason := strings.TrimSpace(strings.TrimLeft(msg[idx+len(marker):], ": "))
		if reason == "" {
			reason = marker
		}
		return reason, true
	}
	return "", false
}
