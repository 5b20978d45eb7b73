package catga

import (
	"context"
	"testing"
)

func testContext(t *testing.T) context.Context {
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
