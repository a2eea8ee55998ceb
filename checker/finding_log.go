package checker

import (
	"encoding/csv"
	"io"
	"log"
	"os"
	"strconv"
	"time"
)

var findingLogHeader = []string{"Query", "Field", "Index", "Sentinel Value", "Explicit Value", "Timestamp"}

// Also used in test to print findings
func WriteFinding(w *csv.Writer, f Finding) {
	row := []string{string(f.Query), f.Field, strconv.Itoa(f.Index), f.Sentinel, f.Explicit,
		time.Now().String()}

	if err := w.WriteAll([][]string{row}); err != nil {
		log.Fatalf("writing finding %v: %v\n", row, err.Error())
	}
}

func ReadFindingLog(filename string) ([]Finding, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	r := csv.NewReader(file)

	if _, err := r.Read(); err != nil { // read header
		return nil, err
	}
	findings := []Finding{}

	for {
		row, err := r.Read()
		if err != nil {
			if err == io.EOF {
				break
			} else {
				return nil, err
			}
		}
		f := Finding{}
		f.Query = Query(row[0])
		f.Field = row[1]
		idx, err := strconv.Atoi(row[2])
		if err != nil {
			return findings, err
		}
		f.Index = idx
		f.Sentinel = row[3]
		f.Explicit = row[4]

		findings = append(findings, f)
		// ignore timestamp for now
	}
	return findings, nil
}
