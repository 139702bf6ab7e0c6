package tracking

import (
	"context"
	"fmt"

	"order-ledger/internal/common/httpx"
	"order-ledger/internal/common/logger"
)

// Run serves the tracking API on port until ctx ends.
func Run(ctx context.Context, port int, h *Handler, lg *logger.Logger) error {
	srv := httpx.New(fmt.Sprintf(":%d", port), Router(h), lg)
	return srv.Run(ctx)
}
