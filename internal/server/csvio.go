package server

import (
	"encoding/csv"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Poutchouli/PMD/internal/models"
)

// csvHeader is the column set shared by the target template, export and
// import endpoints.
var csvHeader = []string{"ip", "frequency", "url", "notes", "is_active"}

func setCSVAttachment(c *gin.Context, filename string) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
}

// handleImportTemplate serves an example CSV showing the import format.
func (s *Server) handleImportTemplate(c *gin.Context) {
	setCSVAttachment(c, "pingmedaddy-targets-template.csv")

	w := csv.NewWriter(c.Writer)
	_ = w.Write(csvHeader)
	_ = w.Write([]string{"192.168.1.1", "1", "http://192.168.1.1", "core router", "true"})
	_ = w.Write([]string{"8.8.8.8", "30", "", "google dns", "true"})
	w.Flush()
}

// handleTargetsExport dumps the full target registry as CSV.
func (s *Server) handleTargetsExport(c *gin.Context) {
	targets, err := s.store.ListTargets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	setCSVAttachment(c, "pingmedaddy-targets.csv")

	w := csv.NewWriter(c.Writer)
	_ = w.Write(csvHeader)
	for i := range targets {
		t := &targets[i]
		url, notes := "", ""
		if t.DisplayURL != nil {
			url = *t.DisplayURL
		}
		if t.Notes != nil {
			notes = *t.Notes
		}
		_ = w.Write([]string{
			t.IPAddress,
			strconv.Itoa(t.Frequency),
			url,
			notes,
			strconv.FormatBool(t.IsActive),
		})
	}
	w.Flush()
}

// handleLogsExport streams a target's entire ping history as CSV, oldest
// first, in batches so large histories never sit in memory at once.
func (s *Server) handleLogsExport(c *gin.Context) {
	target := s.targetFromPath(c)
	if target == nil {
		return
	}
	setCSVAttachment(c, fmt.Sprintf("pingmedaddy-target-%d-logs.csv", target.ID))

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"time", "target_id", "target_ip", "latency_ms", "hops", "packet_loss"})

	err := s.store.AllPings(c.Request.Context(), target.ID, func(batch []models.PingLog) error {
		for _, entry := range batch {
			latency, hops := "", ""
			if entry.LatencyMs != nil {
				latency = strconv.FormatFloat(*entry.LatencyMs, 'f', -1, 64)
			}
			if entry.Hops != nil {
				hops = strconv.Itoa(*entry.Hops)
			}
			if err := w.Write([]string{
				entry.Time.UTC().Format("2006-01-02T15:04:05.000Z"),
				strconv.FormatUint(uint64(entry.TargetID), 10),
				target.IPAddress,
				latency,
				hops,
				strconv.FormatBool(entry.PacketLoss),
			}); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	})
	if err != nil {
		// Headers are already out; nothing useful left to report.
		return
	}
	w.Flush()
}

// parseCSVBool treats false/0/no/n (any case) as false and anything else,
// including an empty cell, as true.
func parseCSVBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "false", "0", "no", "n":
		return false
	default:
		return true
	}
}

// handleTargetsImport bulk-creates targets from an uploaded CSV file.
// Rows whose IP is already monitored are skipped; rows that fail
// validation are reported individually without aborting the import.
func (s *Server) handleTargetsImport(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field required (multipart form)"})
		return
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty or unreadable CSV"})
		return
	}
	// Strip a UTF-8 BOM that spreadsheet exports like to prepend.
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["ip"]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "CSV must have an 'ip' column"})
		return
	}

	cell := func(record []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	ctx := c.Request.Context()
	var (
		rowCount, created, skipped int
		rowErrors                  []string
	)

	for rowNum := 2; ; rowNum++ {
		record, err := reader.Read()
		if err != nil {
			break
		}
		rowCount++

		ip := net.ParseIP(cell(record, "ip"))
		if ip == nil {
			rowErrors = append(rowErrors, fmt.Sprintf("Row %d: invalid IP address", rowNum))
			continue
		}

		frequency := 1
		if raw := cell(record, "frequency"); raw != "" {
			frequency, err = strconv.Atoi(raw)
			if err != nil || frequency < 1 || frequency > 3600 {
				rowErrors = append(rowErrors, fmt.Sprintf("Row %d: frequency must be between 1 and 3600", rowNum))
				continue
			}
		}

		existing, err := s.store.GetTargetByIP(ctx, ip.String())
		if err != nil {
			rowErrors = append(rowErrors, fmt.Sprintf("Row %d: %v", rowNum, err))
			continue
		}
		if existing != nil {
			skipped++
			continue
		}

		target := models.Target{
			IPAddress: ip.String(),
			Frequency: frequency,
			IsActive:  parseCSVBool(cell(record, "is_active")),
		}
		if url := cell(record, "url"); url != "" {
			target.DisplayURL = &url
		}
		if notes := cell(record, "notes"); notes != "" {
			target.Notes = &notes
		}

		if err := s.store.CreateTarget(ctx, &target); err != nil {
			rowErrors = append(rowErrors, fmt.Sprintf("Row %d: %v", rowNum, err))
			continue
		}
		created++

		if target.IsActive {
			if err := s.sched.Start(ctx, target); err != nil {
				rowErrors = append(rowErrors, fmt.Sprintf("Row %d: created but not started: %v", rowNum, err))
			}
		}
	}

	if rowErrors == nil {
		rowErrors = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"row_count":        rowCount,
		"created":          created,
		"skipped_existing": skipped,
		"errors":           rowErrors,
	})
}
