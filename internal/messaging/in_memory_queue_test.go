package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueueRoundTrip(t *testing.T) {
	queue := NewInMemoryQueue()
	ctx := context.Background()

	publish := PublishTaskPayload{JobId: uuid.New(), ProjectId: uuid.New(), DraftId: uuid.New()}
	importPayload := OverlayImportTaskPayload{
		JobId: uuid.New(), ProjectId: uuid.New(), DraftId: uuid.New(),
		IdPattern: "^unit_", OverlayType: "unit",
	}

	require.NoError(t, queue.PublishPublishTask(ctx, publish))
	require.NoError(t, queue.PublishOverlayImportTask(ctx, importPayload))

	task := <-queue.Tasks()
	assert.Equal(t, PublishQueue, task.Type())
	var gotPublish PublishTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &gotPublish))
	assert.Equal(t, publish, gotPublish)
	assert.NoError(t, task.Ack())

	task = <-queue.Tasks()
	assert.Equal(t, OverlayImportQueue, task.Type())
	var gotImport OverlayImportTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &gotImport))
	assert.Equal(t, importPayload, gotImport)
}
