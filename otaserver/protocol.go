package otaserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Wire keywords shared by the device and the push tool.
const (
	KeywordInit     = "OTA"
	KeywordAuth     = "AUTH"
	KeywordReady    = "READY"
	KeywordAck      = "ACK"
	KeywordDone     = "DONE"
	KeywordVerified = "VERIFIED"
	KeywordError    = "ERROR"
)

// InitLine builds the line a client sends to open a session.
func InitLine(cmd Command, size uint32) string {
	return KeywordInit + " " + cmd.String() + " " + strconv.FormatUint(uint64(size), 10) + "\n"
}

// parseInit parses "OTA <kind> <size>". A bare "OTA" is not accepted:
// the size is needed to size-check the target before erasing.
func parseInit(line string) (Command, uint32, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != KeywordInit {
		return 0, 0, false
	}
	cmd, ok := ParseCommand(fields[1])
	if !ok {
		return 0, 0, false
	}
	size, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return cmd, uint32(size), true
}

// AuthResponse computes the answer to a challenge nonce.
func AuthResponse(password, nonce string) string {
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Percent returns floor(progress*100/total), or 0 when total is unknown.
func Percent(progress, total uint32) uint32 {
	if total == 0 {
		return 0
	}
	return uint32(uint64(progress) * 100 / uint64(total))
}
