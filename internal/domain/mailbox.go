package domain

import "time"

// MailboxAccount 描述一次生成得到的临时邮箱凭据。
// Password 与 Token 只写一次，用于向邮箱服务商重新认证。
type MailboxAccount struct {
	Address   string `json:"address"`
	AccountID string `json:"accountId"`
	Password  string `json:"-"`
	Token     string `json:"-"`
}

// Complete 判断凭据是否完整（地址、令牌、账号ID均已设置）。
func (a *MailboxAccount) Complete() bool {
	return a != nil && a.Address != "" && a.Token != "" && a.AccountID != ""
}

// ProviderDomain 邮箱服务商提供的域名。
type ProviderDomain struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	IsActive  bool      `json:"isActive"`
	IsPrivate bool      `json:"isPrivate"`
	CreatedAt time.Time `json:"createdAt"`
}

// Address 邮件地址（带显示名）。
type Address struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Message 邮件列表项。
type Message struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	From           Address   `json:"from"`
	To             []Address `json:"to"`
	Subject        string    `json:"subject"`
	Intro          string    `json:"intro"`
	Seen           bool      `json:"seen"`
	HasAttachments bool      `json:"hasAttachments"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Attachment 邮件附件元数据，内容由服务商托管。
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"downloadUrl"`
}

// MessageDetail 邮件详情。
type MessageDetail struct {
	Message
	CC          []Address    `json:"cc"`
	BCC         []Address    `json:"bcc"`
	Text        string       `json:"text"`
	HTML        []string     `json:"html"`
	Attachments []Attachment `json:"attachments"`
}
