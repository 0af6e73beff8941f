package domain

import "time"

// EmailTemplate is a stored message body referenced by send_email steps.
// Subject and bodies are Liquid templates.
type EmailTemplate struct {
	ID          string    `json:"id" yaml:"id" db:"id"`
	Name        string    `json:"name" yaml:"name" db:"name"`
	Subject     string    `json:"subject" yaml:"subject" db:"subject"`
	HTMLContent string    `json:"html_content" yaml:"html_content" db:"html_content"`
	TextContent string    `json:"text_content,omitempty" yaml:"text_content,omitempty" db:"text_content"`
	FromName    string    `json:"from_name,omitempty" yaml:"from_name,omitempty" db:"from_name"`
	FromEmail   string    `json:"from_email,omitempty" yaml:"from_email,omitempty" db:"from_email"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-" db:"updated_at"`
}
