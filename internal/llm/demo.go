package llm

import "context"

type demoClient struct{}

func NewDemoClient() Client { return &demoClient{} }

func (d *demoClient) Converse(ctx context.Context, _ Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return DemoReply, nil
}
