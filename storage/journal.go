package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const journalTimeout = 10 * time.Second

// Journal appends mutation records to an Azure storage queue. Appends are
// best effort: failures are logged and never surfaced to clients.
type Journal struct {
	queue  *azqueue.QueueClient
	logger *log.Logger
}

// NewJournal creates a Journal writing to the named queue.
func NewJournal(connStr, queueName string, logger *log.Logger) (*Journal, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &Journal{queue: q, logger: logger}, nil
}

// Append enqueues the record asynchronously with its own deadline,
// independent of the originating connection's lifetime.
func (j *Journal) Append(rec domain.JournalRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		j.logger.Errorf("journal: marshal record: %v", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if _, err := j.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
			j.logger.WithFields(log.Fields{
				"board": rec.BoardID,
				"event": rec.Event,
			}).Errorf("journal: enqueue failed: %v", err)
		}
	}()
}
