package emaildb

import (
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"github.com/netninjacorp/emaildb/ids"
	"github.com/netninjacorp/emaildb/index"
)

// fieldWeight assigns relevance weight per field, subject carrying the most
// signal and body the least.
var fieldWeight = map[string]float64{
	"subject": 3.0,
	"from":    2.0,
	"to":      1.5,
	"body":    1.0,
}

// searchFields lists every field a bare (non field:value) token is matched
// against, in the same order indexNewEmail tokenizes them.
var searchFields = []string{"subject", "from", "to", "body"}

// SearchResult is one ranked hit from Search.
type SearchResult struct {
	ID    EmailId
	Score float64
}

// clause is one parsed query term: either a bare token (matched against
// every field, i.e. the "any:" postings) or an explicit field:value term.
type clause struct {
	field string // "" for a bare token
	term  string
}

// queryNode is one node of the parsed query tree: a term leaf, or an
// AND/OR/NOT combinator over child nodes.
type queryNode struct {
	kind nodeKind
	kids []*queryNode
	c    clause // set only for nodeTerm
}

type nodeKind int

const (
	nodeTerm nodeKind = iota
	nodeAnd
	nodeOr
	nodeNot
)

// Search evaluates query against the search-term index and returns matching
// emails ranked by relevance score, highest first.
//
// A query is one or more OR-separated groups; each group is an implicit
// AND of clauses (the AND keyword between them is optional), and each
// clause is either a bare word (matched against every field), a
// "field:value" term ("subject", "from", "to", or "body"), or a
// parenthesized subquery. NOT negates the clause or group that follows
// it. OR/AND/NOT are case-sensitive keywords; double quotes protect a
// phrase from being split.
func (d *DB) Search(query string) ([]SearchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	root, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, ErrInvalidArgument
	}

	scores := make(map[uint32]float64)
	matched, err := d.evalNode(root, scores)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, matched.GetCardinality())
	it := matched.Iterator()
	for it.HasNext() {
		ord := it.Next()
		emailID, ok := d.ords.Resolve(ord)
		if !ok {
			continue
		}
		id, err := emailIDFromString(emailID)
		if err != nil {
			continue
		}
		out = append(out, SearchResult{ID: id, Score: scores[ord]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	d.metricsSet.SearchesServed.Inc()
	return out, nil
}

// evalNode evaluates one query node to its matching-ordinals bitmap.
// scores accumulates field_weight × tf for every positive term touched; it
// is nil inside a NOT subtree, whose matches only ever subtract.
func (d *DB) evalNode(n *queryNode, scores map[uint32]float64) (*roaring.Bitmap, error) {
	switch n.kind {
	case nodeTerm:
		bm, weight, key, err := d.postingsFor(n.c)
		if err != nil {
			return nil, err
		}
		if scores != nil {
			if err := d.scorePostings(bm, weight, key, scores); err != nil {
				return nil, err
			}
		}
		return bm.Clone(), nil

	case nodeOr:
		out := roaring.New()
		for _, kid := range n.kids {
			bm, err := d.evalNode(kid, scores)
			if err != nil {
				return nil, err
			}
			out.Or(bm)
		}
		return out, nil

	case nodeAnd:
		// Positive children intersect first; NOT children subtract from the
		// intersection afterwards.
		var out *roaring.Bitmap
		for _, kid := range n.kids {
			if kid.kind == nodeNot {
				continue
			}
			bm, err := d.evalNode(kid, scores)
			if err != nil {
				return nil, err
			}
			if out == nil {
				out = bm
			} else {
				out.And(bm)
			}
		}
		if out == nil {
			out = roaring.New()
		}
		for _, kid := range n.kids {
			if kid.kind != nodeNot {
				continue
			}
			bm, err := d.evalNode(kid.kids[0], nil)
			if err != nil {
				return nil, err
			}
			out.AndNot(bm)
		}
		return out, nil

	case nodeNot:
		// A negation with nothing positive to subtract from matches nothing.
		return roaring.New(), nil
	}
	return roaring.New(), nil
}

// postingsFor resolves one clause to its postings bitmap, the weight its
// hits should contribute to the final score, and the postings key itself
// (scorePostings needs it back to look up per-document term frequency).
func (d *DB) postingsFor(c clause) (*roaring.Bitmap, float64, string, error) {
	if c.field != "" {
		key := postingsKey(c.field, c.term)
		bm, err := d.idx.Postings(index.SearchTermIndexName, key)
		if err != nil {
			return nil, 0, "", mapErr(err)
		}
		return bm, fieldWeight[c.field], key, nil
	}
	key := postingsKey("any", c.term)
	bm, err := d.idx.Postings(index.SearchTermIndexName, key)
	if err != nil {
		return nil, 0, "", mapErr(err)
	}
	return bm, 1.0, key, nil
}

// scorePostings adds field_weight × tf to every ordinal in bm's running
// score; tf is how many times that ordinal's document matched key, tracked
// by index.Store.AddToPostings alongside the presence bitmap.
func (d *DB) scorePostings(bm *roaring.Bitmap, weight float64, key string, scores map[uint32]float64) error {
	it := bm.Iterator()
	for it.HasNext() {
		ord := it.Next()
		tf, err := d.idx.TermFrequency(index.SearchTermIndexName, key, ord)
		if err != nil {
			return mapErr(err)
		}
		if tf == 0 {
			tf = 1
		}
		scores[ord] += weight * float64(tf)
	}
	return nil
}

func postingsKey(field, term string) string {
	return field + ":" + term
}

// parseQuery parses query into a tree of term/AND/OR/NOT nodes. A nil root
// with nil error means the query was empty.
func parseQuery(query string) (*queryNode, error) {
	p := &queryParser{toks: tokenizeQuery(query)}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, errors.Wrap(ErrInvalidArgument, "unbalanced parenthesis in query")
	}
	return root, nil
}

// tokenizeQuery splits query on whitespace into words, treating '(' and
// ')' as standalone tokens even when glued to a word, and keeping a
// double-quoted phrase together as one word with the quotes stripped.
func tokenizeQuery(s string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	inQuotes := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
		case inQuotes:
			cur.WriteByte(ch)
		case ch == ' ' || ch == '\t' || ch == '\n':
			flush()
		case ch == '(' || ch == ')':
			flush()
			toks = append(toks, string(ch))
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return toks
}

type queryParser struct {
	toks []string
	pos  int
}

func (p *queryParser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *queryParser) next() string {
	t := p.peek()
	if t != "" {
		p.pos++
	}
	return t
}

// parseOr parses an OR-separated sequence of AND groups; a single group
// collapses to the group itself rather than a one-child OR node.
func (p *queryParser) parseOr() (*queryNode, error) {
	var kids []*queryNode
	for {
		n, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if n != nil {
			kids = append(kids, n)
		}
		if p.peek() != "OR" {
			break
		}
		p.next()
	}
	switch len(kids) {
	case 0:
		return nil, nil
	case 1:
		return kids[0], nil
	}
	return &queryNode{kind: nodeOr, kids: kids}, nil
}

// parseAnd collects clauses up to the next top-level OR or closing
// parenthesis; the AND keyword between clauses is optional.
func (p *queryParser) parseAnd() (*queryNode, error) {
	var kids []*queryNode
	for {
		t := p.peek()
		if t == "" || t == "OR" || t == ")" {
			break
		}
		if t == "AND" {
			p.next()
			continue
		}
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if n != nil {
			kids = append(kids, n)
		}
	}
	switch len(kids) {
	case 0:
		return nil, nil
	case 1:
		return kids[0], nil
	}
	return &queryNode{kind: nodeAnd, kids: kids}, nil
}

// parseUnary parses one clause: a NOT-prefixed clause, a parenthesized
// subquery, or a single word. A dangling NOT at end of input is ignored.
func (p *queryParser) parseUnary() (*queryNode, error) {
	switch t := p.next(); t {
	case "":
		return nil, nil
	case "NOT":
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, nil
		}
		return &queryNode{kind: nodeNot, kids: []*queryNode{child}}, nil
	case "(":
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, errors.Wrap(ErrInvalidArgument, "missing closing parenthesis in query")
		}
		return inner, nil
	default:
		return &queryNode{kind: nodeTerm, c: parseWord(t)}, nil
	}
}

// parseWord interprets one token as either a bare word or a field:value
// clause.
func parseWord(word string) clause {
	if idx := strings.IndexByte(word, ':'); idx > 0 {
		field := strings.ToLower(word[:idx])
		value := strings.ToLower(word[idx+1:])
		for _, f := range searchFields {
			if f == field {
				return clause{field: field, term: value}
			}
		}
	}
	return clause{term: strings.ToLower(word)}
}

func emailIDFromString(s string) (EmailId, error) {
	return ids.Parse(s)
}
