//go:build !linux

package p2pnet

import (
	"context"
	"log/slog"
)

func watchAddrEvents(ctx context.Context, _ *slog.Logger, ch chan<- struct{}) {
	pollAddrEvents(ctx, addrPollInterval, ch)
}
