package contract

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"
)

// Fields is everything the commission agreement prints.
type Fields struct {
	AgentID           string
	FullName          string
	Email             string
	DateOfBirth       *time.Time
	Address           []string
	CommissionPercent decimal.Decimal
	EffectiveDate     time.Time
	CompanyName       string
}

// Rendered is the output of Render.
type Rendered struct {
	Bytes       []byte
	Filename    string
	Base64      string
	ContentHash string
}

// Renderer lays out the commission agreement. Output depends only on Fields:
// PDF timestamps are pinned to the effective date and the catalog is sorted,
// so identical input yields identical bytes.
type Renderer struct {
	companyName string
}

// NewRenderer creates a renderer that uses companyName when Fields omit it.
func NewRenderer(companyName string) *Renderer {
	if companyName == "" {
		companyName = "The Company"
	}
	return &Renderer{companyName: companyName}
}

// Render produces the agreement PDF for f.
func (r *Renderer) Render(f Fields) (Rendered, error) {
	if f.AgentID == "" {
		return Rendered{}, fmt.Errorf("contract: render: agent id required")
	}
	if strings.TrimSpace(f.FullName) == "" {
		return Rendered{}, fmt.Errorf("contract: render: agent name required")
	}
	if f.EffectiveDate.IsZero() {
		return Rendered{}, fmt.Errorf("contract: render: effective date required")
	}

	company := f.CompanyName
	if company == "" {
		company = r.companyName
	}
	effective := dateOnly(f.EffectiveDate)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(effective)
	pdf.SetModificationDate(effective)
	pdf.SetCatalogSort(true)
	pdf.SetCompression(false)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetTitle("Commission Agreement", true)
	pdf.SetAuthor(company, true)
	pdf.SetSubject("Independent sales agent commission agreement", true)
	pdf.SetCreator("agentonboard", true)
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, tr("Commission Agreement"), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 11)
	pdf.MultiCell(0, 6, tr(fmt.Sprintf(
		"This Commission Agreement is entered into as of %s between %s (the \"Company\") and the independent sales agent identified below (the \"Agent\").",
		effective.Format("January 2, 2006"), company,
	)), "", "L", false)
	pdf.Ln(4)

	section(pdf, tr, "Agent")
	row(pdf, tr, "Name", f.FullName)
	row(pdf, tr, "Email", f.Email)
	if f.DateOfBirth != nil {
		row(pdf, tr, "Date of birth", f.DateOfBirth.Format("2006-01-02"))
	}
	for i, line := range f.Address {
		label := ""
		if i == 0 {
			label = "Address"
		}
		row(pdf, tr, label, line)
	}
	row(pdf, tr, "Agent ID", f.AgentID)
	pdf.Ln(4)

	section(pdf, tr, "Commission")
	pdf.MultiCell(0, 6, tr(fmt.Sprintf(
		"The Company shall pay the Agent a commission of %s%% of the net revenue of every sale attributed to the Agent. This rate is fixed for the term of this agreement.",
		f.CommissionPercent.StringFixed(2),
	)), "", "L", false)
	pdf.Ln(4)

	section(pdf, tr, "Terms")
	for i, term := range agreementTerms {
		pdf.MultiCell(0, 6, tr(fmt.Sprintf("%d. %s", i+1, term)), "", "L", false)
		pdf.Ln(1)
	}
	pdf.Ln(6)

	section(pdf, tr, "Signature")
	pdf.MultiCell(0, 6, tr("By typing their full legal name on the review page, the Agent accepts this agreement. The typed name, the signing IP address and the time of signature are recorded."), "", "L", false)

	if err := pdf.Error(); err != nil {
		return Rendered{}, fmt.Errorf("contract: render: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return Rendered{}, fmt.Errorf("contract: render output: %w", err)
	}

	out := buf.Bytes()
	sum := sha256.Sum256(out)
	hash := hex.EncodeToString(sum[:])
	return Rendered{
		Bytes:       out,
		Filename:    fmt.Sprintf("commission-agreement-%s.pdf", hash[:16]),
		Base64:      base64.StdEncoding.EncodeToString(out),
		ContentHash: hash,
	}, nil
}

// StoragePath is the blob location of an agent's rendered agreement.
func StoragePath(agentID, filename string) string {
	return path.Join("agents", agentID, "contracts", filename)
}

var agreementTerms = []string{
	"The Agent acts as an independent contractor and not as an employee of the Company.",
	"Commissions are calculated monthly and paid within thirty days of the end of each month.",
	"Either party may terminate this agreement with thirty days written notice.",
	"The Agent shall keep confidential all non-public information about the Company and its customers.",
}

func section(pdf *fpdf.Fpdf, tr func(string) string, title string) {
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, tr(title), "B", 1, "L", false, 0, "")
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "", 11)
}

func row(pdf *fpdf.Fpdf, tr func(string) string, label, value string) {
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(40, 6, tr(label), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 6, tr(value), "", 1, "L", false, 0, "")
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
