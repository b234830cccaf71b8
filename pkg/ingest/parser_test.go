package ingest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fire-crm/fire/pkg/models"
)

func TestParseTickets_RussianHeaders(t *testing.T) {
	csvData := `GUID,Пол,Дата рождения,Описание,Вложения,Сегмент,Страна,Область,Город,Улица,Дом
c-001,Ж,1990-04-15,Не работает приложение,scan.pdf,VIP,KZ,Акмолинская,Астана,Абая,10
c-002,М,15.06.1985,"Вопрос по тарифам, срочно",,Mass,Казахстан,,Алматы,,
c-001,Ж,,Повторное обращение,,priority,,,,,`

	batchID := uuid.New()
	tickets, err := ParseTickets(strings.NewReader(csvData), batchID)
	require.NoError(t, err)
	require.Len(t, tickets, 3)

	first := tickets[0]
	assert.Equal(t, batchID, first.BatchID)
	assert.Equal(t, 0, first.RowIndex)
	assert.Equal(t, "c-001", first.CustomerID)
	assert.Equal(t, "Не работает приложение", first.Description)
	assert.Equal(t, models.SegmentVIP, first.Segment)
	assert.Equal(t, "Казахстан", first.Country, "country code normalized")
	assert.Equal(t, "Астана", first.City)
	assert.Equal(t, models.StringList{"scan.pdf"}, first.Attachments)
	require.NotNil(t, first.BirthDate)
	assert.Equal(t, 1990, first.BirthDate.Year())
	require.NotNil(t, first.Age)

	second := tickets[1]
	assert.Equal(t, 1, second.RowIndex)
	require.NotNil(t, second.BirthDate, "dotted European date parses")
	assert.Equal(t, time.June, second.BirthDate.Month())
	assert.Equal(t, models.SegmentMass, second.Segment)
	assert.Nil(t, second.Attachments)

	third := tickets[2]
	assert.Equal(t, models.SegmentPriority, third.Segment)
	assert.Nil(t, third.BirthDate)
	assert.Nil(t, third.Age, "no birth date means unknown age")
}

func TestParseTickets_EnglishHeaders(t *testing.T) {
	csvData := `guid,gender,birth_date,description,segment,country,city
c-1,F,2001-11-03 14:25,Cannot log in,vip,Kazakhstan,Almaty`

	tickets, err := ParseTickets(strings.NewReader(csvData), uuid.New())
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, models.SegmentVIP, tickets[0].Segment)
	assert.Equal(t, "Казахстан", tickets[0].Country)
	assert.Equal(t, "Almaty", tickets[0].City)
	assert.Empty(t, tickets[0].Street, "missing column reads as empty")
}

func TestParseTickets_FutureBirthYearClamped(t *testing.T) {
	year := time.Now().UTC().Year()
	csvData := fmt.Sprintf("guid,birth_date,description\nc-1,%d-05-20,text", year+3)

	tickets, err := ParseTickets(strings.NewReader(csvData), uuid.New())
	require.NoError(t, err)
	require.NotNil(t, tickets[0].BirthDate)
	assert.Equal(t, year, tickets[0].BirthDate.Year())
}

func TestComputeAge(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	before := time.Date(1990, 8, 23, 0, 0, 0, 0, time.UTC)
	after := time.Date(1990, 8, 25, 0, 0, 0, 0, time.UTC)
	sameDay := time.Date(1990, 8, 24, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 36, *computeAge(&before, now))
	assert.Equal(t, 35, *computeAge(&after, now), "birthday not yet reached")
	assert.Equal(t, 36, *computeAge(&sameDay, now))
	assert.Nil(t, computeAge(nil, now))
}

func TestParseAgents(t *testing.T) {
	csvData := `ФИО,Должность,Офис,Навыки,Количество обращений
Алия Садыкова,Главный специалист,Астана HQ,"vip, kz, en",12
Данияр Омаров,специалист,Алматы,kz,3
,,,,`

	agents, err := ParseAgents(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, agents, 2, "empty name rows are skipped")

	assert.Equal(t, models.PositionChief, agents[0].Position)
	assert.Equal(t, []string{"VIP", "KZ", "EN"}, agents[0].Skills)
	assert.Equal(t, 12.0, agents[0].Load)
	assert.Equal(t, "Астана HQ", agents[0].Office)

	assert.Equal(t, models.PositionSpecialist, agents[1].Position)
}

func TestParseOffices(t *testing.T) {
	csvData := `Офис,Адрес,Широта,Долгота
Астана HQ,"пр. Кабанбай батыра 17",51.1694,71.4491
Алматы,"ул. Абая 150",,`

	offices, err := ParseOffices(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, offices, 2)

	require.NotNil(t, offices[0].Latitude)
	assert.Equal(t, 51.1694, *offices[0].Latitude)
	assert.Nil(t, offices[1].Latitude, "offices without coordinates need geocoding")
}

func TestParseTickets_EmptyFile(t *testing.T) {
	_, err := ParseTickets(strings.NewReader(""), uuid.New())
	require.Error(t, err)
}
