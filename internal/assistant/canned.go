// ABOUTME: Fixed-text automated replier
// ABOUTME: Answers every counterpart message with the same configured text

package assistant

import "context"

// Canned replies with a fixed text.
type Canned struct {
	text string
}

// NewCanned creates a replier that always answers with text.
func NewCanned(text string) *Canned {
	return &Canned{text: text}
}

// Reply returns the configured text. An empty text yields no reply.
func (c *Canned) Reply(ctx context.Context, req *Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.text, nil
}
