package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mmdatafocus/invoice_backend/classifier"
	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/utils"
	"github.com/mmdatafocus/invoice_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.LoadPipelineConfig()
	file := flag.String("file", "", "Required: JSON array of {\"text\",\"category\"} pairs")
	modelDir := flag.String("model-dir", cfg.ModelDir, "Directory the artifacts are written to")
	record := flag.Bool("record", true, "Write a model_trainings row and audit event (needs DB env)")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}
	pairs, err := readPairs(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read training data: %v\n", err)
		os.Exit(1)
	}

	logger := config.GetLogger()
	clf := classifier.New(*modelDir, logger)
	if !*record {
		report, err := clf.Train(pairs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "train: %v\n", err)
			os.Exit(1)
		}
		printReport(report)
		return
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	svc := &workflow.InvoiceService{
		Repo:    models.NewGormRepository(db),
		Trainer: clf,
		Logger:  logger,
	}
	report, err := svc.Train(context.Background(), workflow.ModelTypeClassifier, pairs)
	if report == nil {
		fmt.Fprintf(os.Stderr, "train: %v\n", err)
		os.Exit(1)
	}
	printReport(*report)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "train-classifier"}).Warn(err.Error())
		os.Exit(2)
	}
}

func readPairs(path string) ([]classifier.Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var pairs []classifier.Pair
	if err := utils.UnmarshalFromJSON(data, &pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}

func printReport(r classifier.TrainReport) {
	fmt.Printf("version:  %s\n", r.Version)
	fmt.Printf("samples:  %d\n", r.Samples)
	fmt.Printf("classes:  %s\n", strings.Join(r.Classes, ", "))
	fmt.Printf("features: %d\n", r.Features)
	fmt.Printf("accuracy: %.4f\n", r.Accuracy)
	fmt.Printf("path:     %s\n", r.Path)
}
