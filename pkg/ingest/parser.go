// Package ingest parses the three uploaded CSVs (tickets, agents,
// offices) into domain rows. Column headers are matched by keyword in
// Russian or English, so exports from different CRM locales land in the
// same fields.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fire-crm/fire/pkg/models"
)

// birthDateFormats are tried in order. The original exports mix ISO,
// European dotted, and US slashed dates.
var birthDateFormats = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006",
	"01/02/2006 15:04",
	"01/02/2006",
}

var countryNormalize = map[string]string{
	"kazakhstan": "Казахстан",
	"кз":         "Казахстан",
	"kz":         "Казахстан",
}

// header keyword → canonical field, checked in order.
type headerRule struct {
	keywords []string
	field    string
}

var ticketHeaderRules = []headerRule{
	{[]string{"guid"}, "customer_id"},
	{[]string{"пол", "gender"}, "gender"},
	{[]string{"рождени", "birth", "дата"}, "birth_date"},
	{[]string{"описание", "description"}, "description"},
	{[]string{"вложени", "attach"}, "attachments"},
	{[]string{"сегмент", "segment"}, "segment"},
	{[]string{"страна", "country"}, "country"},
	{[]string{"область", "region"}, "region"},
	{[]string{"населённый", "населенный", "город", "city"}, "city"},
	{[]string{"улица", "street"}, "street"},
	{[]string{"дом", "house"}, "house"},
}

var agentHeaderRules = []headerRule{
	{[]string{"фио", "имя", "name"}, "full_name"},
	{[]string{"должность", "position"}, "position"},
	{[]string{"офис", "office"}, "office"},
	{[]string{"навык", "skill"}, "skills"},
	{[]string{"количество", "обращен", "load"}, "load"},
}

var officeHeaderRules = []headerRule{
	{[]string{"офис", "office", "назван", "name"}, "name"},
	{[]string{"адрес", "address"}, "address"},
	{[]string{"широта", "lat"}, "latitude"},
	{[]string{"долгота", "lon", "lng"}, "longitude"},
}

var positionMap = map[string]models.Position{
	"специалист":         models.PositionSpecialist,
	"ведущий специалист": models.PositionLead,
	"главный специалист": models.PositionChief,
	"specialist":         models.PositionSpecialist,
	"lead":               models.PositionLead,
	"chief":              models.PositionChief,
}

// ParsedAgent is one row of the agents CSV before office resolution.
type ParsedAgent struct {
	FullName string
	Position models.Position
	Office   string
	Skills   []string
	Load     float64
}

// ParsedOffice is one row of the offices CSV. Latitude and Longitude
// are nil when the export carries no coordinate columns.
type ParsedOffice struct {
	Name      string
	Address   string
	Latitude  *float64
	Longitude *float64
}

// ParseTickets reads the tickets CSV into Ticket rows for one batch.
// Rows keep their csv order as RowIndex; malformed optional fields
// degrade to empty rather than failing the row.
func ParseTickets(r io.Reader, batchID uuid.UUID) ([]models.Ticket, error) {
	rows, header, err := readCSV(r, ticketHeaderRules)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tickets := make([]models.Ticket, 0, len(rows))
	for i, row := range rows {
		birthDate := parseBirthDate(row[header["birth_date"]])

		t := models.Ticket{
			ID:          uuid.New(),
			BatchID:     batchID,
			RowIndex:    i,
			CustomerID:  row[header["customer_id"]],
			Description: row[header["description"]],
			BirthDate:   birthDate,
			Age:         computeAge(birthDate, now),
			Gender:      row[header["gender"]],
			Segment:     normalizeSegment(row[header["segment"]]),
			Country:     normalizeCountry(row[header["country"]]),
			Region:      row[header["region"]],
			City:        row[header["city"]],
			Street:      row[header["street"]],
			House:       row[header["house"]],
			Attachments: splitList(row[header["attachments"]]),
			Status:      models.TicketStatusIngested,
			CreatedAt:   now,
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// ParseAgents reads the agents CSV. Office is the office name as
// written; the caller resolves it to an office id.
func ParseAgents(r io.Reader) ([]ParsedAgent, error) {
	rows, header, err := readCSV(r, agentHeaderRules)
	if err != nil {
		return nil, err
	}

	agents := make([]ParsedAgent, 0, len(rows))
	for _, row := range rows {
		fullName := row[header["full_name"]]
		if fullName == "" {
			continue
		}
		load, _ := strconv.ParseFloat(row[header["load"]], 64)
		agents = append(agents, ParsedAgent{
			FullName: fullName,
			Position: normalizePosition(row[header["position"]]),
			Office:   row[header["office"]],
			Skills:   normalizeSkills(row[header["skills"]]),
			Load:     load,
		})
	}
	return agents, nil
}

// ParseOffices reads the offices CSV.
func ParseOffices(r io.Reader) ([]ParsedOffice, error) {
	rows, header, err := readCSV(r, officeHeaderRules)
	if err != nil {
		return nil, err
	}

	offices := make([]ParsedOffice, 0, len(rows))
	for _, row := range rows {
		name := row[header["name"]]
		if name == "" {
			continue
		}
		office := ParsedOffice{
			Name:    name,
			Address: row[header["address"]],
		}
		if lat, err := strconv.ParseFloat(row[header["latitude"]], 64); err == nil {
			if lon, err := strconv.ParseFloat(row[header["longitude"]], 64); err == nil {
				office.Latitude = &lat
				office.Longitude = &lon
			}
		}
		offices = append(offices, office)
	}
	return offices, nil
}

// readCSV parses the file and maps headers by keyword. The returned
// header map yields a column index per canonical field; missing fields
// point at a sentinel column that is always empty.
func readCSV(r io.Reader, rules []headerRule) ([][]string, map[string]int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("reading csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("csv has no header row")
	}

	headerRow := records[0]
	width := len(headerRow)

	// Sentinel column: one past the widest row, always "".
	header := make(map[string]int)
	for _, rule := range rules {
		header[rule.field] = width
	}
	for col, name := range headerRow {
		lower := strings.ToLower(strings.TrimSpace(name))
		for _, rule := range rules {
			if header[rule.field] != width {
				continue
			}
			for _, kw := range rule.keywords {
				if strings.Contains(lower, kw) {
					header[rule.field] = col
					break
				}
			}
		}
	}

	rows := make([][]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make([]string, width+1)
		for i := 0; i < width && i < len(record); i++ {
			row[i] = strings.TrimSpace(record[i])
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}

// parseBirthDate tries each known format. A date in a future year is
// clamped to the current year; unparseable input is dropped.
func parseBirthDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	now := time.Now().UTC()
	for _, format := range birthDateFormats {
		d, err := time.Parse(format, s)
		if err != nil {
			continue
		}
		if d.Year() > now.Year() {
			d = time.Date(now.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		}
		return &d
	}
	return nil
}

// computeAge derives full years between birth date and now.
func computeAge(birthDate *time.Time, now time.Time) *int {
	if birthDate == nil {
		return nil
	}
	age := now.Year() - birthDate.Year()
	if now.Month() < birthDate.Month() ||
		(now.Month() == birthDate.Month() && now.Day() < birthDate.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return &age
}

func normalizeSegment(s string) models.Segment {
	switch strings.ReplaceAll(strings.ToLower(s), " ", "") {
	case "vip", "вип":
		return models.SegmentVIP
	case "priority", "приоритет", "приоритетный":
		return models.SegmentPriority
	default:
		return models.SegmentMass
	}
}

func normalizeCountry(s string) string {
	if s == "" {
		return ""
	}
	if normalized, ok := countryNormalize[strings.ToLower(s)]; ok {
		return normalized
	}
	return s
}

func normalizePosition(s string) models.Position {
	if p, ok := positionMap[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p
	}
	return models.PositionSpecialist
}

func normalizeSkills(s string) []string {
	parts := splitList(s)
	for i := range parts {
		parts[i] = strings.ToUpper(parts[i])
	}
	return parts
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
