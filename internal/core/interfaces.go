package core

import (
	"context"
	"io"

	"github.com/kiraleos/accountant-client/internal/remote"
)

// RemoteService is the subset of the accountant service the core needs.
// *remote.Client implements it.
type RemoteService interface {
	SendMessage(ctx context.Context, threadID, message string) (*remote.ChatResponse, error)
	SendMessageWithAttachment(ctx context.Context, threadID, message string, att remote.Attachment) (*remote.ChatResponse, error)
	FetchState(ctx context.Context, threadID string) (*remote.StateResponse, error)
	FetchMonthlySeries(ctx context.Context, threadID string, year int) (*remote.MonthlySeries, error)
	FetchTransactions(ctx context.Context, threadID string, limit, offset int) (*remote.TransactionPage, error)
	ExportLedger(ctx context.Context, threadID string, w io.Writer) (int64, error)
	PushUnsyncedBatch(ctx context.Context, req remote.SyncRequest) (*remote.SyncAck, error)
}

var _ RemoteService = (*remote.Client)(nil)

// degradable is implemented by stores that can fall back to memory.
type degradable interface {
	Degraded() bool
}
