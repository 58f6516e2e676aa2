package rag

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"smartquery/internal/models"
)

const (
	welcomeTitle   = "SmartQuery: Offline Research Paper Q&A System"
	welcomeMessage = "Welcome, please add your files to the documents folder and build the index before you begin."
	inputPrompt    = "Ask a question (or type 'exit'): "
	farewell       = "Thank you for using SmartQuery! Hope to see you again."
	separatorWidth = 60
	maxLineBytes   = 1 << 20
)

type Asker interface {
	Ask(ctx context.Context, question string) (models.Answer, error)
}

type styles struct {
	title   lipgloss.Style
	heading lipgloss.Style
	source  lipgloss.Style
	err     lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		heading: r.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		source:  r.NewStyle().Foreground(lipgloss.Color("244")),
		err:     r.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

// RunLoop reads questions from in until EOF or an exit keyword and writes
// answers with their sources to out. A failed question is reported and the
// loop moves on.
func RunLoop(ctx context.Context, in io.Reader, out io.Writer, asker Asker) error {
	st := newStyles(out)
	fmt.Fprintln(out, st.title.Render(welcomeTitle))
	fmt.Fprintln(out, welcomeMessage)

	reader := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(out, inputPrompt)
		line, tooLong, err := readLine(reader)
		if err != nil {
			fmt.Fprintln(out)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if tooLong {
			fmt.Fprintln(out, st.err.Render(fmt.Sprintf("Error: question is longer than %d bytes, skipped", maxLineBytes)))
			fmt.Fprintln(out)
			continue
		}

		question := strings.TrimSpace(line)
		if question == "" {
			continue
		}
		if isExit(question) {
			fmt.Fprintln(out, farewell)
			return nil
		}

		answer, err := asker.Ask(ctx, question)
		if err != nil {
			fmt.Fprintln(out, st.err.Render("Error: "+err.Error()))
			fmt.Fprintln(out)
			continue
		}
		printAnswer(out, st, answer)
	}
}

// readLine returns the next line. A line over maxLineBytes is consumed and
// reported as tooLong instead of being buffered.
func readLine(r *bufio.Reader) (string, bool, error) {
	var buf []byte
	tooLong := false
	for {
		frag, err := r.ReadSlice('\n')
		if !tooLong && len(buf)+len(frag) <= maxLineBytes {
			buf = append(buf, frag...)
		} else {
			tooLong, buf = true, nil
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(buf) > 0 || tooLong):
			return string(buf), tooLong, nil
		default:
			return string(buf), tooLong, err
		}
	}
}

func isExit(s string) bool {
	s = strings.ToLower(s)
	return s == "exit" || s == "quit"
}

func printAnswer(out io.Writer, st styles, answer models.Answer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, st.heading.Render("=== ANSWER ==="))
	fmt.Fprintln(out)
	fmt.Fprintln(out, answer.Text)
	fmt.Fprintln(out)
	fmt.Fprintln(out, st.heading.Render("=== SOURCES USED ==="))
	for _, s := range answer.Sources {
		fmt.Fprintln(out, st.source.Render(fmt.Sprintf(models.SourceTagFormat+" -> %s (page %d)", s.Rank, s.Source, s.Page)))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", separatorWidth))
	fmt.Fprintln(out)
}
