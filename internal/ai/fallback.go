package ai

import "strings"

// fallbackByKeyword maps prompt keywords to canned replies used when the
// inference service is unreachable.
var fallbackByKeyword = []struct {
	keywords []string
	reply    string
}{
	{
		keywords: []string{"hello", "hi", "hey"},
		reply:    "Hello! I'm having trouble reaching my brain right now, but I'm still here. Please try again in a moment.",
	},
	{
		keywords: []string{"help"},
		reply:    "I can chat with you and answer questions. My answering service is briefly unavailable, so please ask again shortly.",
	},
	{
		keywords: []string{"thanks", "thank you"},
		reply:    "You're welcome! I'll be able to give proper answers again in a moment.",
	},
}

const fallbackGeneric = "Sorry, I couldn't process that right now. Please try again in a little while."

// Fallback returns a canned reply matching the prompt, or a generic apology.
// It never fails, so the relay always has something to send.
func Fallback(prompt string) string {
	lowered := strings.ToLower(prompt)
	for _, candidate := range fallbackByKeyword {
		for _, keyword := range candidate.keywords {
			if strings.Contains(lowered, keyword) {
				return candidate.reply
			}
		}
	}

	return fallbackGeneric
}
