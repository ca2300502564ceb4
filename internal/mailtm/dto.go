package mailtm

import (
	"strings"
	"time"

	"tempinbox/backend/internal/domain"
)

type domainDTO struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	IsActive  bool      `json:"isActive"`
	IsPrivate bool      `json:"isPrivate"`
	CreatedAt time.Time `json:"createdAt"`
}

func (d domainDTO) toDomain() domain.ProviderDomain {
	return domain.ProviderDomain{
		ID:        d.ID,
		Domain:    strings.ToLower(d.Domain),
		IsActive:  d.IsActive,
		IsPrivate: d.IsPrivate,
		CreatedAt: d.CreatedAt,
	}
}

type addressDTO struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func toAddresses(in []addressDTO) []domain.Address {
	out := make([]domain.Address, 0, len(in))
	for _, a := range in {
		out = append(out, domain.Address(a))
	}
	return out
}

type messageDTO struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"accountId"`
	From           addressDTO   `json:"from"`
	To             []addressDTO `json:"to"`
	Subject        string       `json:"subject"`
	Intro          string       `json:"intro"`
	Seen           bool         `json:"seen"`
	HasAttachments bool         `json:"hasAttachments"`
	Size           int64        `json:"size"`
	CreatedAt      time.Time    `json:"createdAt"`
}

func (m messageDTO) toDomain() domain.Message {
	return domain.Message{
		ID:             m.ID,
		AccountID:      m.AccountID,
		From:           domain.Address(m.From),
		To:             toAddresses(m.To),
		Subject:        m.Subject,
		Intro:          m.Intro,
		Seen:           m.Seen,
		HasAttachments: m.HasAttachments,
		Size:           m.Size,
		CreatedAt:      m.CreatedAt,
	}
}

type attachmentDTO struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"downloadUrl"`
}

type messageDetailDTO struct {
	messageDTO
	CC          []addressDTO    `json:"cc"`
	BCC         []addressDTO    `json:"bcc"`
	Text        string          `json:"text"`
	HTML        []string        `json:"html"`
	Attachments []attachmentDTO `json:"attachments"`
}

// toDomain 相对路径的下载地址补全为绝对地址。
func (m messageDetailDTO) toDomain(baseURL string) domain.MessageDetail {
	atts := make([]domain.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		link := a.DownloadURL
		if strings.HasPrefix(link, "/") {
			link = baseURL + link
		}
		atts = append(atts, domain.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			DownloadURL: link,
		})
	}
	return domain.MessageDetail{
		Message:     m.messageDTO.toDomain(),
		CC:          toAddresses(m.CC),
		BCC:         toAddresses(m.BCC),
		Text:        m.Text,
		HTML:        m.HTML,
		Attachments: atts,
	}
}
