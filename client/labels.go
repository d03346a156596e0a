package client

// Metric label keys. Values come from Client.metricAttrs, which always sets
// labelWorker and labelLanes; the rest are present when the event carries
// them.
const (
	labelWorker    = "worker"
	labelLanes     = "lanes"
	labelOperation = "operation"
	labelStatus    = "status"
	labelSet       = "set"
	labelProtocol  = "protocol"
	labelOffloaded = "offloaded"
)
