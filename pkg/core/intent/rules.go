package intent

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// RuleClassifier is a deterministic keyword grammar. It needs the catalog
// vocabulary in Request.Vocabulary to find item names.
type RuleClassifier struct{}

var (
	nonWord = regexp.MustCompile(`[^a-z0-9' ]+`)
	spaces  = regexp.MustCompile(`\s+`)

	addCustomRe = regexp.MustCompile(`^(?:please |can you |could you )?(?:add|put) (.+?) (?:to|on) (?:the|my|that|those|it)(?: (.+))?$`)
	withRe      = regexp.MustCompile(`\b(with|without|hold the|no|extra|light|easy on the|easy on) (.+)$`)

	removeTriggers = []string{"remove", "take off", "take away", "cancel", "delete", "drop the", "get rid of", "no more", "don't want", "do not want", "scratch the", "forget the"}
	modifyTriggers = []string{"make it", "make that", "make those", "change", "only want", "just want", "instead", "actually i want", "update"}
	addTriggers    = []string{"i'd like", "i would like", "i want", "i'll have", "i will have", "can i get", "could i get", "can i have", "give me", "get me", "add", "order", "i'll take", "i will take", "let me get", "one more", "another", "redeem"}
	rewardWords    = []string{"reward", "free", "redeem", "points"}
	closers        = []string{"no thanks", "no thank you", "that's all", "that's it", "nothing else", "thank you", "thanks"}

	numberWords = map[string]int{
		"a": 1, "an": 1, "one": 1, "single": 1, "another": 1,
		"two": 2, "couple": 2, "pair": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "dozen": 12,
		"zero": 0, "none": 0,
	}
)

func normalizeUtterance(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "’", "'")
	s = nonWord.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

func containsPhrase(text, phrase string) bool {
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

func hasAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(text, p) {
			return true
		}
	}
	return false
}

// findItem returns the earliest vocabulary entry mentioned in text (plural
// forms included) and its byte span in text. Longer entries win ties.
func findItem(text string, vocab []string) (name string, start, end int) {
	padded := " " + text + " "
	start = -1
	for _, v := range vocab {
		if v == "" {
			continue
		}
		for _, form := range []string{v, v + "s", v + "es"} {
			idx := strings.Index(padded, " "+form+" ")
			if idx < 0 {
				continue
			}
			if start < 0 || idx < start || (idx == start && len(form) > end-start) {
				name, start, end = v, idx, idx+len(form)
			}
		}
	}
	if start < 0 {
		return "", -1, -1
	}
	return name, start, end
}

// quantityBefore reads a quantity word immediately preceding position pos.
func quantityBefore(text string, pos int) (int, bool) {
	if pos <= 0 {
		return 0, false
	}
	words := strings.Fields(text[:pos])
	for i := len(words) - 1; i >= 0 && i >= len(words)-3; i-- {
		if n, ok := parseQuantity(words[i]); ok {
			return n, true
		}
	}
	return 0, false
}

func parseQuantity(w string) (int, bool) {
	if n, err := strconv.Atoi(w); err == nil && n >= 0 && n < 1000 {
		return n, true
	}
	n, ok := numberWords[w]
	return n, ok
}

// firstQuantity returns the first numeric word in text, ignoring articles.
func firstQuantity(text string) (int, bool) {
	for _, w := range strings.Fields(text) {
		if w == "a" || w == "an" || w == "another" {
			continue
		}
		if n, ok := parseQuantity(w); ok {
			return n, true
		}
	}
	return 0, false
}

// customizations splits "with no onions and extra cheese" style clauses.
func customizations(clause string) []string {
	m := withRe.FindStringSubmatch(clause)
	if m == nil {
		return nil
	}
	lead, rest := m[1], m[2]
	var out []string
	for i, part := range strings.Split(rest, " and ") {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "with "))
		if part == "" || part == "please" {
			continue
		}
		part = strings.TrimSuffix(part, " please")
		if i == 0 {
			switch lead {
			case "without", "hold the", "no":
				part = "no " + strings.TrimPrefix(part, "no ")
			case "extra", "light":
				part = lead + " " + part
			case "easy on the", "easy on":
				part = "light " + part
			}
		}
		out = append(out, part)
	}
	return out
}

// Classify implements Classifier.
func (RuleClassifier) Classify(_ context.Context, req Request) (Intent, error) {
	text := normalizeUtterance(req.Text)
	if text == "" {
		return Intent{Action: ActionNoOp}, nil
	}
	reward := hasAny(text, rewardWords)

	if m := addCustomRe.FindStringSubmatch(text); m != nil && !mentionsItem(m[1], req.Vocabulary) {
		in := Intent{Action: ActionAddCustomization, Customizations: []string{strings.TrimSpace(m[1])}}
		if target, _, _ := findItem(m[2], req.Vocabulary); target != "" {
			in.Item = target
		}
		return in, nil
	}

	item, start, end := findItem(text, req.Vocabulary)

	if hasAny(text, removeTriggers) {
		return Intent{Action: ActionRemoveItem, Item: item}, nil
	}

	if hasAny(text, modifyTriggers) {
		if n, ok := firstQuantity(text); ok {
			return Intent{Action: ActionModifyQuantity, Item: item, Quantity: n}, nil
		}
	}

	if item != "" {
		in := Intent{Action: ActionAddItem, Item: item, Quantity: 1, Reward: reward}
		n, counted := quantityBefore(text, start)
		if counted && n > 0 {
			in.Quantity = n
		}
		in.Customizations = customizations(strings.TrimSpace(text[end:]))
		if !counted && len(in.Customizations) == 0 && !hasAny(text, addTriggers) && !looksLikeOrder(text, item) {
			return Intent{Action: ActionNoOp}, nil
		}
		return in, nil
	}

	if hasAny(text, closers) {
		return Intent{Action: ActionNoOp}, nil
	}
	if cs := customizations(text); len(cs) > 0 && !req.Order.Empty() {
		return Intent{Action: ActionAddCustomization, Customizations: cs}, nil
	}
	return Intent{Action: ActionNoOp}, nil
}

// looksLikeOrder accepts bare item mentions ("burger please", "fries") but
// not questions about an item.
func looksLikeOrder(text, item string) bool {
	if hasAny(text, []string{"what", "what's", "whats", "how much", "how many", "does", "is there", "do you", "tell me about"}) {
		return false
	}
	words := len(strings.Fields(text)) - len(strings.Fields(item))
	return words <= 2
}

func mentionsItem(text string, vocab []string) bool {
	name, _, _ := findItem(text, vocab)
	return name != ""
}
