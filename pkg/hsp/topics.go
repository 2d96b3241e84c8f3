package hsp

// Topic naming follows the convention hsp/<domain>/<subdomain>/<focus>.

// TopicAdvertisements is the broadcast topic all capability advertisements
// are published to.
const TopicAdvertisements = "hsp/capabilities/advertisements/all"

// TaskTopic is the request topic for a specific capability.
func TaskTopic(capabilityID string) string {
	return "hsp/tasks/" + capabilityID
}

// ResultTopic is the callback topic a requester listens on for the result of
// a single request.
func ResultTopic(requesterID, requestID string) string {
	return "hsp/results/" + requesterID + "/" + requestID
}

// FactTopic is the publication topic for facts about a subject area.
func FactTopic(topic string) string {
	return "hsp/facts/" + topic
}

// AgentTopic is the direct-addressed topic of a single agent, used for
// health probes and targeted requests.
func AgentTopic(agentID string) string {
	return "hsp/agents/" + agentID
}
