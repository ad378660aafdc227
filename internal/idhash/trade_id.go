package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeTradeID computes a deterministic trade_id using SHA256.
// Formula: SHA256(symbol|timeframe|strategy|entry_time_ms)
// Returns hex-encoded hash (64 characters). Re-running a backtest over
// the same inputs yields the same IDs, which is what makes duplicate
// rejection in the stores idempotent.
func ComputeTradeID(
	symbol string,
	timeframe string,
	strategy string,
	entryTimeMs int64,
) string {
	data := fmt.Sprintf("%s|%s|%s|%d",
		symbol,
		timeframe,
		strategy,
		entryTimeMs,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
