package report

import (
	"strings"

	"github.com/xuri/excelize/v2"
)

const xlsxSheet = "Analysis"

// XLSXSaver writes one worksheet with the csv columns. Numeric cells keep
// their numeric type so spreadsheets can sort and chart them.
type XLSXSaver struct{}

func (XLSXSaver) Extension() string { return "xlsx" }

func (XLSXSaver) Save(rows []Row, path string) (err error) {
	f := excelize.NewFile()
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return err
	}
	for i, header := range csvHeader {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(xlsxSheet, cell, header); err != nil {
			return err
		}
	}

	for r, row := range rows {
		forecast := make([]string, len(row.Forecast))
		for i, value := range row.Forecast {
			forecast[i] = floatStr(value)
		}
		values := []any{
			row.RunID,
			row.Indicator,
			row.Country,
			row.Trend,
			row.SampleSize,
			row.FirstYear,
			row.LastYear,
			row.LatestValue,
			row.AverageGrowthPct,
			row.VolatilityPct,
			row.ForecastStartYear,
			strings.Join(forecast, ";"),
		}
		for c, value := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(xlsxSheet, cell, value); err != nil {
				return err
			}
		}
	}

	return f.SaveAs(path)
}
