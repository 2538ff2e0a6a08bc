package cometd

import (
	"strings"
	"time"
)

// Bayeux meta channels.
const (
	metaHandshake   = "/meta/handshake"
	metaConnect     = "/meta/connect"
	metaSubscribe   = "/meta/subscribe"
	metaUnsubscribe = "/meta/unsubscribe"
	metaDisconnect  = "/meta/disconnect"
)

// Server reconnect advice values.
const (
	adviceRetry     = "retry"
	adviceHandshake = "handshake"
	adviceNone      = "none"
)

// Replay id sentinels of the replay extension.
const (
	// ReplayNewEvents subscribes to new events only.
	ReplayNewEvents int64 = -1
	// ReplayAllEvents replays all events retained by the server.
	ReplayAllEvents int64 = -2
)

func channelOf(msg map[string]any) string {
	channel, _ := msg["channel"].(string)
	return channel
}

func isMeta(msg map[string]any) bool {
	return strings.HasPrefix(channelOf(msg), "/meta/")
}

func isSuccessful(msg map[string]any) bool {
	successful, _ := msg["successful"].(bool)
	return successful
}

func errorOf(msg map[string]any) string {
	errString, _ := msg["error"].(string)
	if errString == "" {
		return "unknown Bayeux error"
	}
	return errString
}

// metaReply returns the first reply on the given meta channel, or nil.
func metaReply(msgs []map[string]any, channel string) map[string]any {
	for _, msg := range msgs {
		if channelOf(msg) == channel {
			return msg
		}
	}
	return nil
}

// adviceOf extracts the server's reconnect advice and the interval to wait
// before the next connect.
func adviceOf(msg map[string]any) (reconnect string, interval time.Duration) {
	advice, _ := msg["advice"].(map[string]any)
	if advice == nil {
		return "", 0
	}
	reconnect, _ = advice["reconnect"].(string)
	if ms, ok := advice["interval"].(float64); ok && ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}
	return reconnect, interval
}
