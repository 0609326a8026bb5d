package switchboard

// Key layout shared with external workers and tooling. Changing any of
// these breaks interop.

// ActivityLogKey is the list holding request/response audit entries.
const ActivityLogKey = "activity:logs"

// WorkflowKey returns the template key for an event or target workflow:
// workflow:{name}
func WorkflowKey(name string) string { return "workflow:" + name }

// WorkerQueueKey returns the queue list of a worker instance:
// worker_instance:{instanceID}:queue
func WorkerQueueKey(instanceID string) string {
	return "worker_instance:" + instanceID + ":queue"
}

// RevokedTokenKey marks a revoked credential: revoked_token:{token}
func RevokedTokenKey(token string) string { return "revoked_token:" + token }

// ChannelKey holds a channel record: channel:{id}
func ChannelKey(id string) string { return "channel:" + id }

// UserKey holds a user record: user:{username}
func UserKey(username string) string { return "user:" + username }
