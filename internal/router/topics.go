package router

import (
	"fmt"
	"strings"

	"github.com/rickgao/crm-realtime/internal/model"
)

// Topic kinds. The "kind:id" naming is a stable contract with clients.
const (
	KindUser     = "user"
	KindRole     = "role"
	KindContact  = "contact"
	KindCampaign = "campaign"
	KindLead     = "lead"
)

// UserTopic returns "user:{id}".
func UserTopic(userID string) string { return KindUser + ":" + userID }

// RoleTopic returns "role:{ADMIN|EMPLOYEE}".
func RoleTopic(role model.Role) string { return KindRole + ":" + string(role) }

// ContactTopic returns "contact:{id}".
func ContactTopic(id string) string { return KindContact + ":" + id }

// CampaignTopic returns "campaign:{id}".
func CampaignTopic(id string) string { return KindCampaign + ":" + id }

// LeadTopic returns "lead:{id}".
func LeadTopic(id string) string { return KindLead + ":" + id }

// ParseTopic splits a topic into kind and id.
func ParseTopic(topic string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || kind == "" || id == "" || strings.ContainsAny(id, " \t\r\n") {
		return "", "", fmt.Errorf("invalid topic %q", topic)
	}
	switch kind {
	case KindUser, KindContact, KindCampaign, KindLead:
	case KindRole:
		if !model.Role(id).Valid() {
			return "", "", fmt.Errorf("invalid role topic %q", topic)
		}
	default:
		return "", "", fmt.Errorf("unknown topic kind %q", kind)
	}
	return kind, id, nil
}

// ClientSubscribable reports whether a client may explicitly join topic.
// user: and role: membership is assigned at accept time and cannot be requested.
func ClientSubscribable(topic string) error {
	kind, _, err := ParseTopic(topic)
	if err != nil {
		return err
	}
	if kind == KindUser || kind == KindRole {
		return fmt.Errorf("topic %q is assigned by the server", topic)
	}
	return nil
}
