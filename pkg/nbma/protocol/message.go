// Package protocol defines the NBMA control-protocol wire messages and the
// server-side request processor.
package protocol

import "encoding/json"

// Request is the inner JSON body of an outbound or inbound NLD request.
type Request struct {
	Protocol  int         `json:"protocol"`
	Type      int         `json:"type"`
	RSalt     string      `json:"rsalt"`
	Cluster   string      `json:"cluster"`
	IsRequest bool        `json:"is_request"`
	Query     interface{} `json:"query,omitempty"`
}

// Reply is the inner JSON body of a reply. Cluster is not set by the
// handler; it is stamped on at pack time by whichever side is replying.
type Reply struct {
	Protocol  int         `json:"protocol"`
	IsRequest bool        `json:"is_request"`
	Status    int         `json:"status"`
	Answer    interface{} `json:"answer"`
	Cluster   string      `json:"cluster,omitempty"`
}

// ClusterSelector extracts the "cluster" field from a not-yet-verified
// inner message. It is used as the codec.SelectorFunc for both requests
// and replies (both forms carry a cluster tag).
func ClusterSelector(inner []byte) (string, error) {
	var probe struct {
		Cluster string `json:"cluster"`
	}
	if err := json.Unmarshal(inner, &probe); err != nil {
		return "", err
	}
	return probe.Cluster, nil
}

// IsRequestDiscriminator peeks at the is_request field without otherwise
// interpreting the message, for transport-layer dispatch.
func IsRequestDiscriminator(inner []byte) (isRequest bool, present bool, err error) {
	var probe struct {
		IsRequest *bool `json:"is_request"`
	}
	if err := json.Unmarshal(inner, &probe); err != nil {
		return false, false, err
	}
	if probe.IsRequest == nil {
		return false, false, nil
	}
	return *probe.IsRequest, true, nil
}
