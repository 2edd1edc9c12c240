package ratelimit

import "fmt"

// Key namespace in the shared store. All gateway replicas read and write the
// same keys, which is what makes the limits global rather than per-replica.
const (
	connKeyPrefix         = "ws:conn"
	connCountKeyPrefix    = "ws:conn_count"
	msgKeyPrefix          = "ws:msg"
	violationsKeyPrefix   = "ws:violations"
	backoffKeyPrefix      = "ws:backoff"
	violationLogKeyPrefix = "ws:violation_log"
)

// violationLogMax bounds the per-identity audit trail.
const violationLogMax = 100

// Identity collapses the (user, ip, client) tuple into a single string used
// for violation and backoff keys.
func Identity(userID, ip, clientID string) string {
	return fmt.Sprintf("%s:%s:%s", userID, ip, clientID)
}

func connKey(userID, ip, clientID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", connKeyPrefix, userID, ip, clientID)
}

func connCountKey(userID string) string {
	return fmt.Sprintf("%s:%s", connCountKeyPrefix, userID)
}

func msgKey(userID, ip, clientID, window string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", msgKeyPrefix, userID, ip, clientID, window)
}

func violationsKey(identity string) string {
	return fmt.Sprintf("%s:%s", violationsKeyPrefix, identity)
}

func backoffKey(identity string) string {
	return fmt.Sprintf("%s:%s", backoffKeyPrefix, identity)
}

func violationLogKey(identity string) string {
	return fmt.Sprintf("%s:%s", violationLogKeyPrefix, identity)
}
