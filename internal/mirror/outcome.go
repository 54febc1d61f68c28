package mirror

// OutcomeKind tags a ParseOutcome.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeMalformed OutcomeKind = iota
	OutcomeDocument
	OutcomeIndex
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDocument:
		return "document"
	case OutcomeIndex:
		return "index"
	default:
		return "malformed"
	}
}

// ParseOutcome is the result of classifying a fetched body.
type ParseOutcome struct {
	Kind        OutcomeKind
	Alert       *Alert
	ParseErrors []string
	URLs        []string
	Err         error
}

// DocumentOutcome wraps a parsed alert and its recoverable errors.
func DocumentOutcome(alert *Alert, parseErrors []string) ParseOutcome {
	return ParseOutcome{Kind: OutcomeDocument, Alert: alert, ParseErrors: parseErrors}
}

// IndexOutcome wraps the URLs listed by an index.
func IndexOutcome(urls []string) ParseOutcome {
	return ParseOutcome{Kind: OutcomeIndex, URLs: urls}
}

// MalformedOutcome wraps the error that stopped classification.
func MalformedOutcome(err error) ParseOutcome {
	return ParseOutcome{Kind: OutcomeMalformed, Err: err}
}
