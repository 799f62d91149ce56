package market

import (
	"bytes"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisense/agrisense-cli/internal/model"
)

// HTMLTableNormalizer extracts records from a mandi-board style price table.
// It looks for table#priceTable, falling back to the first table on the page,
// and reads rows as (date, crop, variety, market, price, unit) with the unit
// column optional.
type HTMLTableNormalizer struct {
	DefaultUnit string
}

func (n *HTMLTableNormalizer) Normalize(payload *model.RawPayload, src model.Source, now time.Time) (*NormalizeResult, error) {
	result := &NormalizeResult{}
	log := zap.L().With(zap.String("source", src.Name))

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload.Body))
	if err != nil {
		return nil, eris.Wrapf(err, "market: parsing HTML from %s", src.Name)
	}

	table := doc.Find("table#priceTable").First()
	if table.Length() == 0 {
		table = doc.Find("table").First()
	}
	if table.Length() == 0 {
		log.Warn("no price table found in page")
		return result, nil
	}

	sourceID := src.ID
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			// Header row.
			return
		}

		var cells []string
		row.Find("td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(cell.Text()))
		})
		if len(cells) < 5 {
			result.Skipped++
			return
		}

		price, ok := parsePrice(cells[4])
		if !ok {
			result.Skipped++
			return
		}

		date := now.UTC().Truncate(24 * time.Hour)
		if parsed, err := time.Parse("02-01-2006", cells[0]); err == nil {
			date = parsed
		}

		unit := n.DefaultUnit
		if len(cells) > 5 && cells[5] != "" {
			unit = cells[5]
		}

		result.Records = append(result.Records, model.PriceRecord{
			SourceID: &sourceID,
			Crop:     cells[1],
			Variety:  cells[2],
			Unit:     unit,
			Price:    price,
			Date:     date,
		})
	})

	return result, nil
}
