// internal/container/doc.go
// Package container starts and stops the service that owns the deployed
// store.
//
// Two controllers implement devops.StoreControl:
//
//   - DockerController runs one container per version through the Docker
//     Engine API. Start pulls <image>:<version>, replaces the named
//     container and starts it with the configured port bindings and
//     mounts. Store data lives on a named volume or bind mount so it
//     survives the replacement.
//   - ExecController shells out to configured start, stop and status
//     commands. The {version} placeholder is expanded in the start command.
//
// Both delegate IsReachable to an optional readiness check (normally the
// PostgreSQL ping) once the service itself reports running:
//
//	ctl, _ := NewDockerController(DockerConfig{
//	    Image:         "postgres",
//	    ContainerName: "shipyard-production",
//	    Ports:         []string{"5432:5432"},
//	    Volumes:       []string{"shipyard-production-data:/var/lib/postgresql/data"},
//	}, pg, logger)
//	_ = ctl.Start(ctx, "16.4")
package container
