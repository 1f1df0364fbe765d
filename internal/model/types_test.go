package model

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"ADMIN", RoleAdmin, false},
		{"employee", RoleEmployee, false},
		{"  Admin ", RoleAdmin, false},
		{"owner", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestID_UnmarshalJSON(t *testing.T) {
	var payload struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a": 42, "b": "c-17", "c": null}`), &payload); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if payload.A != "42" {
		t.Errorf("A = %q, want 42", payload.A)
	}
	if payload.B != "c-17" {
		t.Errorf("B = %q, want c-17", payload.B)
	}
	if payload.C != "" {
		t.Errorf("C = %q, want empty", payload.C)
	}

	var bad struct {
		A ID `json:"a"`
	}
	if err := json.Unmarshal([]byte(`{"a": {"x": 1}}`), &bad); err == nil {
		t.Error("expected error for object id")
	}
}

func TestDashboardStats_WithConversionRate(t *testing.T) {
	s := DashboardStats{TotalLeads: 8, ConvertedLeads: 2}.WithConversionRate()
	if s.ConversionRate != 0.25 {
		t.Errorf("ConversionRate = %v, want 0.25", s.ConversionRate)
	}

	empty := DashboardStats{ConversionRate: 0.9}.WithConversionRate()
	if empty.ConversionRate != 0 {
		t.Errorf("ConversionRate with no leads = %v, want 0", empty.ConversionRate)
	}
}

func TestNewNotification(t *testing.T) {
	t.Run("owned", func(t *testing.T) {
		n := NewNotification(NotifyLeadConverted, "u1", "Lead converted", "Ada converted", "lead:9")
		if n.ID == uuid.Nil {
			t.Error("ID should be set")
		}
		if n.UserID != "u1" || n.Role != "" {
			t.Errorf("addressing = (%q, %q), want (u1, \"\")", n.UserID, n.Role)
		}
		if n.CreatedAt.IsZero() {
			t.Error("CreatedAt should be set")
		}
	})

	t.Run("unowned goes to admins", func(t *testing.T) {
		n := NewNotification(NotifyCampaignFailed, "", "Campaign failed", "carrier error", "campaign:3")
		if n.Role != RoleAdmin {
			t.Errorf("Role = %q, want ADMIN", n.Role)
		}
	})
}

func TestCampaignEvent_Progress(t *testing.T) {
	tests := []struct {
		name string
		ev   CampaignEvent
		want float64
	}{
		{"no total", CampaignEvent{}, 0},
		{"half", CampaignEvent{Total: 10, Sent: 4, Failed: 1}, 0.5},
		{"overshoot", CampaignEvent{Total: 3, Sent: 3, Failed: 2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Progress(); got != tt.want {
				t.Errorf("Progress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLeadEvent_Converted(t *testing.T) {
	if !(LeadEvent{Status: "converted", PreviousStatus: "QUALIFIED"}).Converted() {
		t.Error("expected transition into CONVERTED to count")
	}
	if (LeadEvent{Status: "CONVERTED", PreviousStatus: "CONVERTED"}).Converted() {
		t.Error("already converted lead should not count again")
	}
	if (LeadEvent{Status: "QUALIFIED"}).Converted() {
		t.Error("non-converted status should not count")
	}
}
