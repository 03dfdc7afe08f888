// seed-dev provisions a local development tenant with a couple of vehicles and
// hunt plans, and prints a JWT for calling the dispatcher endpoints.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... TOKEN_HOUR_LIFESPAN=72 go run ./cmd/seed-dev
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/models"
	"github.com/haulflow/dispatch_backend/utils"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	tenant, err := models.CreateTenant(ctx, &models.NewTenant{
		Name:  "Dev Carrier Co",
		Email: "dev@example.com",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create tenant: %v\n", err)
		os.Exit(1)
	}
	tenantId := tenant.ID.String()
	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	ctx = utils.SetActorNameInContext(ctx, "Seed")

	van, err := models.CreateVehicle(ctx, &models.NewVehicle{
		UnitName: "Unit 101",
		Size:     models.VehicleSizeSprinter,
		HomeZip:  "60601",
	})
	utils.ErrorPanic(err)
	straight, err := models.CreateVehicle(ctx, &models.NewVehicle{
		UnitName: "Unit 202",
		Size:     models.VehicleSizeLargeStraight,
		HomeZip:  "46201",
	})
	utils.ErrorPanic(err)

	if _, err := models.CreateHuntPlan(ctx, &models.NewHuntPlan{
		Name:        "Chicago sprinter",
		VehicleId:   van.ID,
		OriginZip:   "60601",
		RadiusMiles: 150,
		VehicleSize: models.VehicleSizeSprinter,
	}); err != nil {
		utils.ErrorPanic(err)
	}
	if _, err := models.CreateHuntPlan(ctx, &models.NewHuntPlan{
		Name:        "Indy straight",
		VehicleId:   straight.ID,
		OriginZip:   "46201",
		RadiusMiles: 200,
		VehicleSize: models.VehicleSizeLargeStraight,
	}); err != nil {
		utils.ErrorPanic(err)
	}

	token, err := utils.JwtGenerate(1, tenantId, "admin")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate token (set TOKEN_HOUR_LIFESPAN): %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("tenant_id: %s\n", tenantId)
	fmt.Printf("token: %s\n", token)
}
