package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const taskTypeRead = "reader:access"

// TaskPayload は読書イベントタスクのペイロードです。
type TaskPayload struct {
	EventID    string    `json:"eventId"`
	DocumentID int64     `json:"documentId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Manager はイベントの投入とワーカーをまとめます。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	logger *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, store *Store, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				"events": 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		store:  store,
		logger: logger,
	}
	mux.HandleFunc(taskTypeRead, manager.handleReadTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// RecordRead は読書イベントをキューに投入します。reader.AccessRecorder 実装です。
func (m *Manager) RecordRead(ctx context.Context, documentID int64) error {
	payload := TaskPayload{
		EventID:    uuid.NewString(),
		DocumentID: documentID,
		OccurredAt: time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeRead, body, asynq.Queue("events"))
	_, err = m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
	return err
}

func (m *Manager) handleReadTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.DocumentID <= 0 {
		return fmt.Errorf("missing documentId in payload")
	}
	return m.store.IncrementRead(ctx, payload.DocumentID, payload.OccurredAt)
}
