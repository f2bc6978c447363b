package seq

import (
	"bufio"
	"fmt"
	"sort"
	"strings"
)

// MoleculeType identifies the polymer alphabet used for validation.
type MoleculeType string

const (
	Protein MoleculeType = "protein"
	DNA     MoleculeType = "dna"
	RNA     MoleculeType = "rna"
)

// Alphabets for each molecule type. Protein includes X for unknown residues,
// nucleotide alphabets include N.
var (
	proteinAlphabet = charSet("ACDEFGHIKLMNPQRSTVWYX")
	dnaAlphabet     = charSet("ATCGN")
	rnaAlphabet     = charSet("AUCGN")
)

func charSet(s string) map[rune]bool {
	set := make(map[rune]bool, len(s))
	for _, r := range s {
		set[r] = true
	}
	return set
}

// Alphabet returns the valid symbol set for a molecule type.
func Alphabet(mt MoleculeType) (map[rune]bool, error) {
	switch mt {
	case Protein:
		return proteinAlphabet, nil
	case DNA:
		return dnaAlphabet, nil
	case RNA:
		return rnaAlphabet, nil
	default:
		return nil, fmt.Errorf("unknown molecule type: %s", mt)
	}
}

// Normalize upper-cases and trims a raw sequence.
func Normalize(sequence string) string {
	return strings.ToUpper(strings.TrimSpace(sequence))
}

// Validate checks a sequence against the alphabet for its molecule type.
// It does not enforce length limits; size policy belongs to the caller.
func Validate(sequence string, mt MoleculeType) error {
	s := Normalize(sequence)
	if s == "" {
		return fmt.Errorf("sequence is empty")
	}
	alphabet, err := Alphabet(mt)
	if err != nil {
		return err
	}
	invalid := map[rune]bool{}
	for _, r := range s {
		if !alphabet[r] {
			invalid[r] = true
		}
	}
	if len(invalid) > 0 {
		chars := make([]string, 0, len(invalid))
		for r := range invalid {
			chars = append(chars, string(r))
		}
		sort.Strings(chars)
		return fmt.Errorf("invalid %s characters: %s", mt, strings.Join(chars, ", "))
	}
	return nil
}

// ValidateSMILES performs a syntactic check of a SMILES string: non-empty
// with balanced parentheses and brackets. Chemical plausibility is left to
// the prediction service.
func ValidateSMILES(smiles string) error {
	s := strings.TrimSpace(smiles)
	if s == "" {
		return fmt.Errorf("SMILES string is empty")
	}
	var parens, brackets int
	for _, r := range s {
		switch r {
		case '(':
			parens++
		case ')':
			parens--
		case '[':
			brackets++
		case ']':
			brackets--
		}
		if parens < 0 || brackets < 0 {
			return fmt.Errorf("unbalanced parentheses or brackets in SMILES")
		}
	}
	if parens != 0 {
		return fmt.Errorf("unbalanced parentheses in SMILES")
	}
	if brackets != 0 {
		return fmt.Errorf("unbalanced brackets in SMILES")
	}
	return nil
}

// Record is one entry of a FASTA document.
type Record struct {
	ID       string
	Sequence string
}

// ParseFASTA parses FASTA text into records. Record IDs are the first word
// after '>'; sequence lines are concatenated.
func ParseFASTA(content string) ([]Record, error) {
	var records []Record
	var cur *Record
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			if cur != nil {
				records = append(records, *cur)
			}
			id := strings.Fields(line[1:])
			if len(id) == 0 {
				return nil, fmt.Errorf("FASTA header without identifier")
			}
			cur = &Record{ID: id[0]}
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("sequence data before FASTA header")
		}
		cur.Sequence += line
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan FASTA: %w", err)
	}
	if cur != nil {
		records = append(records, *cur)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no FASTA records found")
	}
	return records, nil
}

// WriteFASTA renders records as FASTA text with 80-column sequence lines.
func WriteFASTA(records []Record) string {
	var b strings.Builder
	for _, rec := range records {
		b.WriteString(">")
		b.WriteString(rec.ID)
		b.WriteString("\n")
		s := rec.Sequence
		for len(s) > 80 {
			b.WriteString(s[:80])
			b.WriteString("\n")
			s = s[80:]
		}
		if len(s) > 0 {
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// TotalResidues sums sequence lengths across records.
func TotalResidues(records []Record) int {
	total := 0
	for _, rec := range records {
		total += len(rec.Sequence)
	}
	return total
}
