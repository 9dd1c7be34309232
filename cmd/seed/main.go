package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/config"
	"github.com/hackgods/doctor-scheduling/internal/db"
	"github.com/hackgods/doctor-scheduling/internal/logging"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
	"github.com/hackgods/doctor-scheduling/internal/slots"
)

const (
	doctorCount  = 25
	seriesPerDoc = 3
	seriesWeeks  = 4
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	_ = gofakeit.Seed(time.Now().UnixNano())

	repo := scheduling.NewPgRepository(pool, cfg.TxTimeout)
	doctors, err := seedDoctors(ctx, repo, doctorCount, logger)
	if err != nil {
		logger.Fatal("seed doctors", zap.Error(err))
	}

	mgr := slots.NewManager(repo, logger.Named("slots"))
	if err := seedSlots(ctx, mgr, doctors, logger); err != nil {
		logger.Fatal("seed slots", zap.Error(err))
	}

	logger.Info("seed complete", zap.Int("doctors", len(doctors)))
}

func seedDoctors(ctx context.Context, repo scheduling.Repository, count int, logger *zap.Logger) ([]scheduling.Doctor, error) {
	logger.Info("seeding doctors", zap.Int("count", count))

	durations := []int{15, 20, 30, 45}
	doctors := make([]scheduling.Doctor, 0, count)

	err := repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		for i := 0; i < count; i++ {
			d := scheduling.Doctor{
				ID:                      uuid.New(),
				Name:                    "Dr. " + gofakeit.Name(),
				ConsultationFeeCents:    int64(gofakeit.Number(50, 300)) * 100,
				ConsultationDuration:    durations[gofakeit.Number(0, len(durations)-1)],
				AdvanceBookingDays:      gofakeit.Number(14, 90),
				CancellationPolicyHours: []int{12, 24, 48}[gofakeit.Number(0, 2)],
				ReminderHours:           []int{24, 2},
				IsActive:                true,
			}
			if err := tx.InsertDoctor(ctx, &d); err != nil {
				return err
			}
			doctors = append(doctors, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("doctors seeded", zap.Int("count", len(doctors)))
	return doctors, nil
}

// seedSlots gives every doctor a few weekly series starting tomorrow.
func seedSlots(ctx context.Context, mgr *slots.Manager, doctors []scheduling.Doctor, logger *zap.Logger) error {
	modes := []scheduling.ConsultationMode{scheduling.ModeInPerson, scheduling.ModeVideoCall, scheduling.ModePhoneCall}
	tomorrow := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	created := 0
	for _, d := range doctors {
		for i := 0; i < seriesPerDoc; i++ {
			day := tomorrow.AddDate(0, 0, gofakeit.Number(0, 6))
			starts := day.Add(time.Duration(8+gofakeit.Number(0, 8)) * time.Hour)
			spec := slots.SeriesSpec{
				SlotSpec: slots.SlotSpec{
					StartsAt:        starts,
					EndsAt:          starts.Add(time.Duration(d.ConsultationDuration) * time.Minute),
					Mode:            modes[gofakeit.Number(0, len(modes)-1)],
					MaxAppointments: gofakeit.Number(1, 4),
					AutoConfirm:     gofakeit.Bool(),
				},
				Pattern: scheduling.RecurWeekly,
				Until:   starts.AddDate(0, 0, 7*seriesWeeks),
			}

			_, children, err := mgr.CreateSeries(ctx, d.ID, spec)
			if err != nil {
				return fmt.Errorf("doctor %s: %w", d.DoctorNumber, err)
			}
			created += 1 + len(children)
		}
	}

	logger.Info("slots seeded", zap.Int("count", created))
	return nil
}
