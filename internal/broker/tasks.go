package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"funnel-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// TaskPublisher publishes funnel tasks to the task topic.
type TaskPublisher struct {
	producer *Producer
}

// NewTaskPublisher creates a new task publisher
func NewTaskPublisher(producer *Producer) *TaskPublisher {
	return &TaskPublisher{producer: producer}
}

// PublishTask publishes a task keyed by cart id so all tasks for one
// cart land on the same partition in order.
func (tp *TaskPublisher) PublishTask(ctx context.Context, task *models.TaskEnvelope) error {
	key := fmt.Sprintf("cart-%s", task.CartID)
	return tp.producer.PublishEvent(ctx, key, task)
}

// TaskHandler routes consumed task messages to registered handlers.
type TaskHandler struct {
	onUpsellAbandonCheck func(context.Context, *models.TaskEnvelope) error
	onSendReceipt        func(context.Context, *models.TaskEnvelope) error
	onSendShippingUpdate func(context.Context, *models.TaskEnvelope) error
}

// NewTaskHandler creates a new task handler
func NewTaskHandler() *TaskHandler {
	return &TaskHandler{}
}

// OnUpsellAbandonCheck registers a handler for abandon-check tasks
func (th *TaskHandler) OnUpsellAbandonCheck(handler func(context.Context, *models.TaskEnvelope) error) {
	th.onUpsellAbandonCheck = handler
}

// OnSendReceipt registers a handler for receipt tasks
func (th *TaskHandler) OnSendReceipt(handler func(context.Context, *models.TaskEnvelope) error) {
	th.onSendReceipt = handler
}

// OnSendShippingUpdate registers a handler for shipping update tasks
func (th *TaskHandler) OnSendShippingUpdate(handler func(context.Context, *models.TaskEnvelope) error) {
	th.onSendShippingUpdate = handler
}

// HandleMessage routes messages to appropriate handlers
func (th *TaskHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var task models.TaskEnvelope
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		return fmt.Errorf("failed to unmarshal task: %w", err)
	}

	log.Printf("Handling task: type=%s, id=%s, cart=%s", task.TaskType, task.TaskID, task.CartID)

	switch task.TaskType {
	case models.TaskTypeUpsellAbandonCheck:
		if th.onUpsellAbandonCheck != nil {
			return th.onUpsellAbandonCheck(ctx, &task)
		}

	case models.TaskTypeSendReceipt:
		if th.onSendReceipt != nil {
			return th.onSendReceipt(ctx, &task)
		}

	case models.TaskTypeSendShippingUpdate:
		if th.onSendShippingUpdate != nil {
			return th.onSendShippingUpdate(ctx, &task)
		}

	default:
		log.Printf("Unhandled task type: %s", task.TaskType)
	}

	return nil
}
