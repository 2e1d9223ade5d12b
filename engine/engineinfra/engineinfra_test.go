package engineinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/craftable/storex"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/config"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryConversationRepositoryVersionCheck(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConversationRepository()

	_, err := repo.Load(ctx, "c1")
	assert.True(t, errx.IsType(err, errx.TypeNotFound))

	state := engine.NewConversationState("c1")
	require.NoError(t, repo.Save(ctx, state))
	assert.Equal(t, int64(1), state.Version)

	a, err := repo.Load(ctx, "c1")
	require.NoError(t, err)
	b, err := repo.Load(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, a.Variables.Set("name", "Ana"))
	require.NoError(t, repo.Save(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	err = repo.Save(ctx, b)
	require.Error(t, err)
	assert.True(t, errx.IsType(err, errx.TypeConflict))
	assert.Equal(t, int64(1), b.Version)

	stored, err := repo.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", stored.Variables["name"])

	// Loaded values are copies.
	stored.Variables["name"] = "Bea"
	again, _ := repo.Load(ctx, "c1")
	assert.Equal(t, "Ana", again.Variables["name"])
}

func TestMemoryConversationRepositoryRejectsSecondCreate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConversationRepository()

	require.NoError(t, repo.Save(ctx, engine.NewConversationState("c1")))
	err := repo.Save(ctx, engine.NewConversationState("c1"))
	assert.True(t, errx.IsType(err, errx.TypeConflict))
}

func TestMemoryStepRepositoryPaging(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStepRepository()

	var steps []engine.ExecutionStep
	for i := 0; i < 5; i++ {
		steps = append(steps, engine.ExecutionStep{
			ID:             kernel.StepID(fmt.Sprintf("s%d", i)),
			ConversationID: "c1",
			NodeID:         kernel.NodeID(fmt.Sprintf("n%d", i)),
			Outcome:        engine.StepAdvanced,
			EnteredAt:      t0.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, repo.Append(ctx, steps[3:]))
	require.NoError(t, repo.Append(ctx, steps[:3]))
	require.NoError(t, repo.Append(ctx, []engine.ExecutionStep{{ID: "x", ConversationID: "c2"}}))

	_, err := repo.List(ctx, "c1", storex.PaginationOptions{Page: 1, PageSize: 2})
	require.NoError(t, err)

	repo.mu.RLock()
	all := append([]engine.ExecutionStep(nil), repo.steps["c1"]...)
	repo.mu.RUnlock()
	require.Len(t, all, 5)

	first := pageOf(all, normalizePage(storex.PaginationOptions{Page: 1, PageSize: 2}))
	require.Len(t, first, 2)
	assert.Equal(t, kernel.StepID("s3"), first[0].ID)

	last := pageOf(all, normalizePage(storex.PaginationOptions{Page: 3, PageSize: 2}))
	require.Len(t, last, 1)

	assert.Empty(t, pageOf(all, normalizePage(storex.PaginationOptions{Page: 9, PageSize: 2})))
	assert.Len(t, pageOf(all, normalizePage(storex.PaginationOptions{})), 5)
}

func TestConversationRowConversion(t *testing.T) {
	last := t0.Add(-time.Hour)
	deadline := t0.Add(time.Minute)
	state := engine.NewConversationState("c1")
	state.FlowID = "promo"
	state.FlowVersion = 3
	state.CurrentNodeID = "ask"
	state.Status = engine.StatusActive
	state.Variables = engine.VariableStore{"qty": float64(2)}
	state.Contact = engine.Contact{Phone: "+5511999", Name: "Ana"}
	state.Awaiting = &engine.Awaiting{ID: "aw-1", Kind: engine.AwaitUserReply, NodeID: "ask", Deadline: &deadline}
	state.LastCustomerMessageAt = &last
	state.Version = 4

	row, err := toDBConversation(state)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(row.Pending))

	back, err := toDomainConversation(row)
	require.NoError(t, err)
	assert.Equal(t, state.Variables, back.Variables)
	assert.Equal(t, state.Contact, back.Contact)
	require.NotNil(t, back.Awaiting)
	assert.Equal(t, kernel.AwaitID("aw-1"), back.Awaiting.ID)
	assert.True(t, deadline.Equal(*back.Awaiting.Deadline))
	assert.Equal(t, int64(4), back.Version)

	idle := engine.NewConversationState("c2")
	row, err = toDBConversation(idle)
	require.NoError(t, err)
	assert.Nil(t, row.Awaiting)
	back, err = toDomainConversation(row)
	require.NoError(t, err)
	assert.Nil(t, back.Awaiting)
	assert.NotNil(t, back.Variables)
}

func TestStepRowConversionKeepsSnapshot(t *testing.T) {
	step := engine.ExecutionStep{
		ID:             "s1",
		ConversationID: "c1",
		FlowID:         "promo",
		NodeID:         "calc",
		NodeKind:       flow.KindScript,
		Attempt:        1,
		Outcome:        engine.StepErrored,
		ErrorKind:      engine.ErrorScriptRuntime,
		Error:          "division by zero",
		Snapshot:       map[string]any{"qty": float64(2)},
		EnteredAt:      t0,
		ExitedAt:       t0,
	}
	row, err := toDBStep(step)
	require.NoError(t, err)
	back, err := toDomainStep(row)
	require.NoError(t, err)
	assert.Equal(t, step, back)
}

type fakePutter struct {
	key  string
	body []byte
	err  error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3StepArchiverWritesJSONLines(t *testing.T) {
	putter := &fakePutter{}
	archiver := &S3StepArchiver{client: putter, bucket: "audit", prefix: "steps"}

	steps := []engine.ExecutionStep{
		{ID: "s1", ConversationID: "c1", NodeID: "a", Outcome: engine.StepAdvanced},
		{ID: "s2", ConversationID: "c1", NodeID: "b", Outcome: engine.StepSuspended},
	}
	require.NoError(t, archiver.Archive(context.Background(), "c1", steps))
	assert.Equal(t, "steps/c1/s1.jsonl", putter.key)

	lines := bytes.Split(bytes.TrimSpace(putter.body), []byte("\n"))
	require.Len(t, lines, 2)
	var second engine.ExecutionStep
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, kernel.NodeID("b"), second.NodeID)

	require.NoError(t, archiver.Archive(context.Background(), "c1", nil))

	putter.err = fmt.Errorf("boom")
	err := archiver.Archive(context.Background(), "c1", steps)
	assert.True(t, errx.IsType(err, errx.TypeExternal))
}

func TestNewS3StepArchiverNeedsBucket(t *testing.T) {
	_, err := NewS3StepArchiver(config.ArchiveConfig{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestRecordingSender(t *testing.T) {
	s := NewRecordingSender()
	r, err := s.Send(context.Background(), "c1", engine.Contact{Name: "Ana"}, engine.OutboundMessage{Type: engine.OutboundText, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "local-1", r.MessageID)
	assert.Len(t, s.Sent(), 1)
	assert.Len(t, s.Drain(), 1)
	assert.Empty(t, s.Sent())
}
