package llm

// charsPerToken is the average number of characters per token. Real
// tokenizers vary, but 4 chars/token is a well-known approximation for
// English text and close enough for prompt budgeting.
const charsPerToken = 4

// EstimateTokens returns a rough token count for a string.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken // round up
}
