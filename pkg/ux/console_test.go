package ux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDispatchesMessages(t *testing.T) {
	in := strings.NewReader("борщ\nдобавь сметану\n/exit\nне должно дойти\n")
	var out bytes.Buffer
	c := NewConsole(WithIO(in, &out))

	var got []string
	err := c.Run(context.Background(), Handlers{
		Message: func(_ context.Context, text string, view *StreamView) error {
			got = append(got, text)
			view.Done("ок")
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"борщ", "добавь сметану"}, got)
}

func TestRunResetCommand(t *testing.T) {
	in := strings.NewReader("/reset\n")
	var out bytes.Buffer
	c := NewConsole(WithIO(in, &out))

	resets := 0
	err := c.Run(context.Background(), Handlers{
		Message: func(context.Context, string, *StreamView) error { return nil },
		Reset:   func() { resets++ },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resets)
	assert.Contains(t, out.String(), "Контекст сброшен")
}

func TestRunSkipsBlankLines(t *testing.T) {
	in := strings.NewReader("\n   \nмолоко\n")
	var out bytes.Buffer
	c := NewConsole(WithIO(in, &out))

	calls := 0
	err := c.Run(context.Background(), Handlers{
		Message: func(context.Context, string, *StreamView) error {
			calls++
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunHandlerErrorKeepsLoopAlive(t *testing.T) {
	in := strings.NewReader("первый\nвторой\n")
	var out bytes.Buffer
	c := NewConsole(WithIO(in, &out))

	calls := 0
	err := c.Run(context.Background(), Handlers{
		Message: func(context.Context, string, *StreamView) error {
			calls++
			if calls == 1 {
				return errors.New("provider down")
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, out.String(), "Произошла ошибка: provider down")
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	// A pipe with no writer models an operator idle at the prompt.
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	c := NewConsole(WithIO(pr, &out))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, Handlers{
			Message: func(context.Context, string, *StreamView) error { return nil },
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestStreamViewPrintsOnlySuffix(t *testing.T) {
	var out bytes.Buffer
	v := &StreamView{out: &out}

	v.Update("Вот ваша ")
	v.Update("Вот ваша корзина")
	v.Done("Вот ваша корзина")

	assert.Equal(t, "Вот ваша корзина\n", out.String())
}

func TestStreamViewDoneWithoutStreaming(t *testing.T) {
	var out bytes.Buffer
	v := &StreamView{out: &out}
	v.Done("итоговый ответ")
	assert.Equal(t, "итоговый ответ\n", out.String())
}

func TestStreamViewProgressPlainMode(t *testing.T) {
	var out bytes.Buffer
	v := &StreamView{out: &out}

	v.Progress("🔍 Ищу товары...")
	v.Progress("🛒 Собираю корзину...")
	v.Done("готово")

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	assert.Equal(t, []string{"🔍 Ищу товары...", "🛒 Собираю корзину...", "готово"}, lines)
}

func TestStreamViewProgressSuppressedAfterOutput(t *testing.T) {
	var out bytes.Buffer
	v := &StreamView{out: &out}

	v.Update("начало ответа")
	v.Progress("🔍 Ищу товары...")
	v.Done("начало ответа и конец")

	assert.Equal(t, "начало ответа и конец\n", out.String())
}
