package app

import (
	"fmt"
	"strings"

	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

const restrictToBookInstruction = "Only discuss this book and topics directly related to it. If the user asks about something unrelated, politely steer the conversation back to the book."

// BuildSystemPrompt returns the instruction sent ahead of every thread history.
func BuildSystemPrompt(book domain.Book, restrictToBook bool) string {
	author := strings.TrimSpace(book.Author)
	if author == "" {
		author = "an unknown author"
	}
	prompt := fmt.Sprintf("You are an AI assistant specialized in discussing the book \"%s\" by %s. "+
		"Provide insightful answers and engage in meaningful conversations about this book. "+
		"You can act as a reader, a writer, or a critic, depending on the user's question, "+
		"but you can also be the author or even a character from the book. "+
		"You can also be a friend, a teacher, or a stranger, depending on the user's question.",
		book.Title, author)
	if restrictToBook {
		prompt += " " + restrictToBookInstruction
	}
	return prompt
}
