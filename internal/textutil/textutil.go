// Package textutil provides text normalization and marker detection for
// Portuguese and English conversation evidence.
package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and strips diacritics ("Amanhã" -> "amanha").
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// stopwords are dropped before keyword overlap scoring.
var stopwords = map[string]struct{}{
	"a": {}, "o": {}, "as": {}, "os": {}, "e": {}, "de": {}, "do": {}, "da": {}, "dos": {}, "das": {},
	"um": {}, "uma": {}, "em": {}, "no": {}, "na": {}, "para": {}, "pra": {}, "com": {}, "que": {},
	"se": {}, "por": {}, "eu": {}, "meu": {}, "minha": {}, "ao": {}, "the": {}, "an": {}, "and": {},
	"of": {}, "to": {}, "in": {}, "on": {}, "for": {}, "is": {}, "it": {}, "my": {}, "i": {},
	"user": {}, "usuario": {}, "lead": {}, "cliente": {}, "quer": {}, "wants": {},
}

// Tokens splits folded text into words, dropping stopwords and one-letter tokens.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Overlap counts distinct tokens of a that also appear in b. Tokens sharing a
// five-letter prefix count as matches so inflections ("cancelar", "cancelamento") meet.
func Overlap(a, b string) int {
	bt := Tokens(b)
	seen := make(map[string]struct{})
	n := 0
	for _, ta := range Tokens(a) {
		if _, dup := seen[ta]; dup {
			continue
		}
		seen[ta] = struct{}{}
		for _, tb := range bt {
			if tokenMatch(ta, tb) {
				n++
				break
			}
		}
	}
	return n
}

func tokenMatch(a, b string) bool {
	if a == b {
		return true
	}
	const stem = 5
	return len(a) >= stem && len(b) >= stem && a[:stem] == b[:stem]
}

// Contains reports whether needle occurs in haystack after folding both.
func Contains(haystack, needle string) bool {
	n := strings.TrimSpace(Fold(needle))
	if n == "" {
		return false
	}
	return strings.Contains(Fold(haystack), n)
}

// doubtPhrases mark a clarifying question or hesitation rather than an answer.
var doubtPhrases = []string{
	"como funciona", "como assim", "o que e", "o que significa", "nao entendi", "nao sei",
	"pode explicar", "poderia explicar", "explica", "por que", "porque preciso", "pra que",
	"para que serve", "duvida", "sera que", "tenho medo", "nao tenho certeza", "talvez",
	"what is", "what does", "how does", "how do", "why do", "why should", "not sure",
	"i don't know", "i dont know", "can you explain", "could you explain", "what do you mean",
}

// interrogatives open questions in both languages.
var interrogatives = []string{
	"como", "qual", "quais", "quanto", "quantos", "quando", "onde", "quem", "porque", "por que",
	"what", "how", "why", "which", "when", "where", "who",
}

// IsDoubt reports whether the text reads as a question or hesitation.
func IsDoubt(text string) bool {
	f := strings.TrimSpace(Fold(text))
	if f == "" {
		return false
	}
	for _, p := range doubtPhrases {
		if strings.Contains(f, p) {
			return true
		}
	}
	if !strings.Contains(f, "?") {
		return false
	}
	for _, w := range interrogatives {
		if strings.HasPrefix(f, w+" ") || strings.Contains(f, " "+w+" ") {
			return true
		}
	}
	// a bare "?" after a short utterance ("sério?") is still a question
	return len(Tokens(f)) <= 3
}

var negations = []string{
	"nao", "nunca", "jamais", "nem", "nenhum", "nenhuma", "negativo",
	"not", "never", "none", "can't", "cannot", "won't", "don't", "nope",
}

// IsNegative reports whether the text carries an explicit negation.
func IsNegative(text string) bool {
	words := strings.FieldsFunc(Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	for i, w := range words {
		// "no" is also the pt-BR contraction "em + o"; only a leading "no" negates
		if w == "no" && i == 0 {
			return true
		}
		if isNegation(w) {
			return true
		}
	}
	return false
}

var affirmatives = []string{"sim", "claro", "quero", "ok", "certo", "confirmo", "yes", "yeah", "sure", "yep"}

// IsAffirmative reports whether the text carries an explicit agreement. A
// negated agreement ("não quero") does not count.
func IsAffirmative(text string) bool {
	words := strings.FieldsFunc(Fold(text), func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' })
	for i, w := range words {
		if i > 0 && isNegation(words[i-1]) {
			continue
		}
		for _, a := range affirmatives {
			if w == a {
				return true
			}
		}
	}
	return false
}

// clauseBreaks end the scope of a negation ("não quero cancelar, quero agendar").
var clauseBreaks = map[string]struct{}{"mas": {}, "porem": {}, "but": {}, "however": {}}

// splitNegation folds text and separates the words inside a negation's scope
// from the rest. A scope starts at a negation word and runs to the end of the
// clause.
func splitNegation(text string) (affirmed, negated []string) {
	for _, clause := range strings.FieldsFunc(Fold(text), func(r rune) bool {
		return strings.ContainsRune(".,;:!?\n", r)
	}) {
		words := strings.FieldsFunc(clause, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' })
		inScope := false
		for i, w := range words {
			if _, brk := clauseBreaks[w]; brk {
				inScope = false
				continue
			}
			if isNegation(w) || (w == "no" && i == 0) {
				inScope = true
				continue
			}
			if inScope {
				negated = append(negated, w)
			} else {
				affirmed = append(affirmed, w)
			}
		}
	}
	return affirmed, negated
}

// Negated returns the folded words the text negates ("não quero agendar" ->
// "quero agendar").
func Negated(text string) string {
	_, n := splitNegation(text)
	return strings.Join(n, " ")
}

// StripNegated returns the folded text without negation words and the words
// they negate.
func StripNegated(text string) string {
	a, _ := splitNegation(text)
	return strings.Join(a, " ")
}

func isNegation(w string) bool {
	for _, n := range negations {
		if w == n {
			return true
		}
	}
	return false
}
