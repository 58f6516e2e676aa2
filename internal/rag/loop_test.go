package rag

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartquery/internal/models"
)

type scriptedAsker struct {
	asked []string
	errs  map[string]error
}

func (s *scriptedAsker) Ask(_ context.Context, q string) (models.Answer, error) {
	s.asked = append(s.asked, q)
	if err := s.errs[q]; err != nil {
		return models.Answer{}, err
	}
	return models.Answer{
		Question: q,
		Text:     "answer to " + q + " [SRC_0]",
		Sources: []models.Source{
			{Rank: 0, Source: "A.pdf", Page: 3},
			{Rank: 1, Source: "B.pdf", Page: 7},
		},
	}, nil
}

func TestRunLoop_ExitKeywords(t *testing.T) {
	for _, word := range []string{"exit", "EXIT", "  Quit  "} {
		asker := &scriptedAsker{}
		var out bytes.Buffer

		err := RunLoop(context.Background(), strings.NewReader(word+"\nnever asked\n"), &out, asker)
		require.NoError(t, err)
		assert.Empty(t, asker.asked, word)
		assert.Contains(t, out.String(), farewell)
	}
}

func TestRunLoop_PrintsAnswerAndSources(t *testing.T) {
	asker := &scriptedAsker{}
	var out bytes.Buffer

	err := RunLoop(context.Background(), strings.NewReader("\n   \nWhat is attention?\nexit\n"), &out, asker)
	require.NoError(t, err)

	assert.Equal(t, []string{"What is attention?"}, asker.asked)
	s := out.String()
	assert.Contains(t, s, welcomeTitle)
	assert.Contains(t, s, "=== ANSWER ===")
	assert.Contains(t, s, "answer to What is attention? [SRC_0]")
	assert.Contains(t, s, "=== SOURCES USED ===")
	assert.Contains(t, s, "[SRC_0] -> A.pdf (page 3)")
	assert.Contains(t, s, "[SRC_1] -> B.pdf (page 7)")
	assert.Less(t, strings.Index(s, "=== ANSWER ==="), strings.Index(s, "=== SOURCES USED ==="))
}

func TestRunLoop_ContinuesAfterError(t *testing.T) {
	asker := &scriptedAsker{errs: map[string]error{"first": models.ErrModelUnavailable}}
	var out bytes.Buffer

	err := RunLoop(context.Background(), strings.NewReader("first\nsecond\n"), &out, asker)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, asker.asked)
	assert.Contains(t, out.String(), models.ErrModelUnavailable.Error())
	assert.Contains(t, out.String(), "answer to second")
}

func TestRunLoop_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RunLoop(ctx, strings.NewReader("question\n"), &bytes.Buffer{}, &scriptedAsker{})
	require.True(t, errors.Is(err, context.Canceled))
}

func TestRunLoop_SkipsOversizedLine(t *testing.T) {
	asker := &scriptedAsker{}
	var out bytes.Buffer

	in := strings.Repeat("x", maxLineBytes+10) + "\nsecond\nexit\n"
	err := RunLoop(context.Background(), strings.NewReader(in), &out, asker)
	require.NoError(t, err)

	assert.Equal(t, []string{"second"}, asker.asked)
	assert.Contains(t, out.String(), "Error: question is longer than")
	assert.Contains(t, out.String(), farewell)
}

func TestRunLoop_LastLineWithoutNewline(t *testing.T) {
	asker := &scriptedAsker{}
	var out bytes.Buffer

	require.NoError(t, RunLoop(context.Background(), strings.NewReader("only question"), &out, asker))
	assert.Equal(t, []string{"only question"}, asker.asked)
}
