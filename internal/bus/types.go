// Package bus implements the WorkerBus: the Redis Pub/Sub contract between
// the gateway and its pool of headless-render workers.
package bus

import "github.com/kasha/gateway/internal/snapshot"

// JobsTopic is the outbound topic every worker subscribes to.
const JobsTopic = "render_jobs"

// RenderJob is published to JobsTopic for a worker to pick up.
type RenderJob struct {
	CorrelationID string              `json:"correlationId"`
	ReplyTopic    string              `json:"replyTopic"`
	URL           string              `json:"url"`
	DeviceType    snapshot.DeviceType `json:"deviceType"`
	Type          snapshot.Kind       `json:"type"`
	CallbackURL   string              `json:"callbackUrl,omitempty"`
	MetaOnly      bool                `json:"metaOnly,omitempty"`
}

// RenderReply is published to the job's ReplyTopic once a worker finishes.
type RenderReply struct {
	CorrelationID string             `json:"correlationId"`
	OK            bool               `json:"ok"`
	Snapshot      *snapshot.Snapshot `json:"snapshot,omitempty"`
	ErrorKind     string             `json:"errorKind,omitempty"`
	ErrorMessage  string             `json:"errorMessage,omitempty"`
}
