package admin

import (
	"time"

	"github.com/mikey/phishguard/internal/core"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type caseView struct {
	ID                 int64      `json:"id"`
	Sender             string     `json:"sender"`
	Recipient          string     `json:"recipient"`
	Subject            string     `json:"subject"`
	Label              string     `json:"label"`
	APTGroups          string     `json:"apt_groups"`
	Techniques         string     `json:"techniques"`
	Tactics            string     `json:"tactics"`
	LinksRemoved       bool       `json:"links_removed"`
	AttachmentsRemoved bool       `json:"attachments_removed"`
	Delivery           string     `json:"delivery"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ReleasedAt         *time.Time `json:"released_at,omitempty"`
}

func newCaseView(rec *core.CaseRecord) caseView {
	return caseView{
		ID:                 rec.ID,
		Sender:             rec.Sender,
		Recipient:          rec.Recipient,
		Subject:            rec.Subject,
		Label:              string(rec.Label),
		APTGroups:          rec.APTGroups,
		Techniques:         rec.Techniques,
		Tactics:            rec.Tactics,
		LinksRemoved:       rec.LinksRemoved,
		AttachmentsRemoved: rec.AttachmentsRemoved,
		Delivery:           string(rec.Delivery),
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
		ReleasedAt:         rec.ReleasedAt,
	}
}

type statsView struct {
	Total    int64      `json:"total"`
	Phishing int64      `json:"phishing"`
	Safe     int64      `json:"safe"`
	Unknown  int64      `json:"unknown"`
	Recent   []caseView `json:"recent"`
}

func newStatsView(stats *core.CaseStats) statsView {
	v := statsView{
		Total:    stats.Total,
		Phishing: stats.PhishingCount,
		Safe:     stats.SafeCount,
		Unknown:  stats.UnknownCount,
		Recent:   make([]caseView, 0, len(stats.Recent)),
	}
	for _, rec := range stats.Recent {
		v.Recent = append(v.Recent, newCaseView(rec))
	}
	return v
}
