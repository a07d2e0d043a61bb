package connector

import (
	"context"

	"github.com/openmined/deskbridge/internal/bridgemsg"
)

// SendProjectSwitch asks the peer to switch projects and returns its reply.
func (c *Connector) SendProjectSwitch(ctx context.Context, projectID string, projectContext map[string]any) (*bridgemsg.Message, error) {
	return c.Send(ctx, c.proto.NewProjectSwitch(c.cfg.Target, projectID, projectContext))
}

func (c *Connector) SendTaskUpdate(ctx context.Context, task map[string]any) error {
	_, err := c.Send(ctx, c.proto.NewTask(bridgemsg.KindTaskUpdate, c.cfg.Target, task))
	return err
}

func (c *Connector) SendFileChange(ctx context.Context, change bridgemsg.FileChange) error {
	_, err := c.Send(ctx, c.proto.NewFileChange(c.cfg.Target, change))
	return err
}

func (c *Connector) SendNotification(ctx context.Context, n bridgemsg.Notification) error {
	_, err := c.Send(ctx, c.proto.NewNotification(c.cfg.Target, n))
	return err
}
