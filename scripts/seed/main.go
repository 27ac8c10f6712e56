// Command seed creates demo farm roles and issues development session tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/agrilog/agrilog/internal/app"
	"github.com/agrilog/agrilog/internal/authn"
	"github.com/agrilog/agrilog/internal/platform/cache"
	"github.com/agrilog/agrilog/internal/platform/db"
	"github.com/agrilog/agrilog/internal/rbac"
	"github.com/agrilog/agrilog/internal/shared"
)

type demoRole struct {
	name        string
	description string
	codes       []rbac.Code
	users       []int64
}

var demoRoles = []demoRole{
	{
		name:        "FARMER",
		description: "Day-to-day herd and production work",
		codes: []rbac.Code{
			rbac.ReadFarm,
			rbac.CreateAnimal, rbac.ReadAnimal, rbac.UpdateAnimal,
			rbac.CreateLot, rbac.ReadLot, rbac.UpdateLot,
			rbac.CreateProduction, rbac.ReadProduction, rbac.UpdateProduction,
		},
		users: []int64{2},
	},
	{
		name:        "VETERINARY",
		description: "Read access to animals and lots",
		codes:       []rbac.Code{rbac.ReadFarm, rbac.ReadAnimal, rbac.ReadLot},
		users:       []int64{3},
	},
	{
		name:        "ACCOUNTANT",
		description: "Financial transactions",
		codes: []rbac.Code{
			rbac.ReadFarm,
			rbac.CreateTransaction, rbac.ReadTransaction, rbac.UpdateTransaction,
			rbac.ReadProduction,
		},
		users: []int64{4},
	},
}

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	adminID := cfg.BootstrapAdminUserID
	if adminID <= 0 {
		adminID = 1
	}
	service := rbac.NewService(rbac.NewRepository(pool), app.NewLogger(cfg))
	fmt.Println("→ Bootstrapping catalog and ADMIN role...")
	if err := service.Bootstrap(ctx, adminID); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	fmt.Println("→ Seeding demo roles...")
	if err := seedRoles(ctx, service, adminID); err != nil {
		log.Fatalf("seed roles: %v", err)
	}

	if os.Getenv("SEED_SKIP_SESSIONS") == "1" {
		return
	}
	fmt.Println("→ Issuing development sessions...")
	client, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer client.Close()
	sessions := authn.NewSessionStore(client, cfg.SessionPrefix, cfg.SessionTTL)
	userIDs := []int64{adminID}
	for _, role := range demoRoles {
		userIDs = append(userIDs, role.users...)
	}
	for _, id := range userIDs {
		token, err := sessions.Issue(ctx, shared.Principal{ID: id})
		if err != nil {
			log.Fatalf("issue session for user %d: %v", id, err)
		}
		fmt.Printf("  user %d: Authorization: Bearer %s\n", id, token)
	}
}

func seedRoles(ctx context.Context, service *rbac.Service, adminID int64) error {
	perms, err := service.ListPermissions(ctx)
	if err != nil {
		return err
	}
	ids := make(map[string]int64, len(perms))
	for _, p := range perms {
		ids[p.Code] = p.ID
	}

	existing, err := service.ListRoles(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]rbac.Role, len(existing))
	for _, r := range existing {
		byName[r.Name] = r
	}

	for _, demo := range demoRoles {
		role, ok := byName[demo.name]
		if !ok {
			role, err = service.CreateRole(ctx, demo.name, demo.description, false)
			if err != nil {
				return fmt.Errorf("create %s: %w", demo.name, err)
			}
		}
		permIDs := make([]int64, 0, len(demo.codes))
		for _, code := range demo.codes {
			permIDs = append(permIDs, ids[string(code)])
		}
		if err := service.AssignPermissions(ctx, role.ID, permIDs); err != nil {
			return fmt.Errorf("assign %s permissions: %w", demo.name, err)
		}
		by := adminID
		for _, userID := range demo.users {
			_, err := service.AssignUserRole(ctx, userID, role.ID, &by)
			if err != nil && !errors.Is(err, shared.ErrConflict) {
				return fmt.Errorf("assign %s to user %d: %w", demo.name, userID, err)
			}
		}
		fmt.Printf("  %s: %d permissions\n", demo.name, len(permIDs))
	}
	return nil
}
