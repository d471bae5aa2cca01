package refine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"callscribe/internal/types"
)

func correctionPrompt(n int) string {
	return fmt.Sprintf(`You are analyzing a phone call transcription. There may be mistakes from the call quality; fix them based on the context of the call. Confirm or override the speaker label on each line: keep "Company"/"Client" style labels when they fit, or use a name if the call makes it clear. Never invent information beyond what the transcript supports. If the same words repeat over many consecutive lines, treat them as an audio processing artifact and replace the text with a single occurrence.

Return ONLY a JSON object of the form:
{"utterances":[{"index":0,"role":"Company","text":"corrected text"}, ...]}

There are exactly %d input utterances. Your "utterances" array must contain exactly %d entries, one per input line, with the same index values and in the same order. No commentary, no markdown fences.`, n, n)
}

func strictCorrectionPrompt(n int) string {
	return correctionPrompt(n) + fmt.Sprintf(`

STRICT MODE: your previous answer did not contain exactly %d entries. Output raw JSON only, starting with { and ending with }. Do not merge, split, drop or add utterances under any circumstances: exactly %d entries.`, n, n)
}

const summaryPrompt = `You are a call analytics assistant. Summarize the call transcript you are given: who was on the call, the purpose of the call, what was said, and the overall tone. Respond with the summary text only.`

type correctionResponse struct {
	Utterances []types.RefinedUtterance `json:"utterances"`
}

// parseCorrection extracts the JSON object from the model output, repairing
// malformed JSON before giving up.
func parseCorrection(content string) (correctionResponse, error) {
	var out correctionResponse
	raw := extractJSON(content)
	if raw == "" {
		return out, fmt.Errorf("no JSON object in llm output")
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		fixed, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return out, err
		}
		if err := json.Unmarshal([]byte(fixed), &out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// extractJSON finds the first balanced JSON object in a string, stripping
// common markdown fences first.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, fence := range []string{"```json", "```", "`json", "`"} {
		s = strings.ReplaceAll(s, fence, "")
	}
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}

// renderTranscript formats the diarized transcript for the correction prompt,
// one indexed line per utterance.
func renderTranscript(raw types.RawTranscript, roles []string) string {
	var b strings.Builder
	for i, u := range raw.Utterances {
		role := roles[i]
		if role == "" {
			role = "Speaker"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, role, u.Text)
	}
	return b.String()
}

func renderRefined(rt types.RefinedTranscript) string {
	var b strings.Builder
	for _, u := range rt.Utterances {
		fmt.Fprintf(&b, "%s: %s\n", u.Role, u.Text)
	}
	return b.String()
}
