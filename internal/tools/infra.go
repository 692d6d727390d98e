package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/platform/coreapi"
)

// Ports are drawn from this range; collisions are resolved by retrying with
// a fresh draw when the CRUD layer reports a conflict.
const (
	portRangeStart = 20000
	portRangeSize  = 10000
	portAttempts   = 5
)

// infraTools is the infrastructure bundle.
func infraTools(deps *Deps) []Tool {
	return []Tool{
		findSuitableServer(deps),
		allocatePort(deps),
		listAllocations(deps),
		releaseAllocation(deps),
	}
}

func findSuitableServer(deps *Deps) Tool {
	return &tool{
		name:        "find_suitable_server",
		description: "Find a managed server with enough free RAM for a new service.",
		schema: objectSchema(map[string]interface{}{
			"ram_mb": prop("integer", "Minimum available RAM in megabytes"),
		}, "ram_mb"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				RAMMB int `json:"ram_mb"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed find_suitable_server input")
			}
			if args.RAMMB <= 0 {
				return nil, apperrors.BadRequest("ram_mb must be positive")
			}

			servers, err := deps.API.ListServers(ctx, true)
			if err != nil {
				return nil, err
			}

			var best *coreapi.Server
			for i := range servers {
				s := &servers[i]
				if s.Status != coreapi.ServerReady && s.Status != coreapi.ServerInUse {
					continue
				}
				if s.AvailableRAMMB < args.RAMMB {
					continue
				}
				if best == nil || s.AvailableRAMMB > best.AvailableRAMMB {
					best = s
				}
			}
			if best == nil {
				return &Result{Content: fmt.Sprintf("no server with %d MB available", args.RAMMB)}, nil
			}
			return &Result{
				Content: fmt.Sprintf("server %s (%s): %d MB RAM available, status %s",
					best.Handle, best.PublicIP, best.AvailableRAMMB, best.Status),
			}, nil
		},
	}
}

func allocatePort(deps *Deps) Tool {
	return &tool{
		name:        "allocate_port",
		description: "Reserve a port on a server for a project's service.",
		schema: objectSchema(map[string]interface{}{
			"server_handle": prop("string", "Handle of the server to allocate on"),
			"project_id":    prop("string", "Project the allocation belongs to"),
			"service_name":  prop("string", "Service the port is for (defaults to web)"),
		}, "server_handle", "project_id"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				ServerHandle string `json:"server_handle"`
				ProjectID    string `json:"project_id"`
				ServiceName  string `json:"service_name"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed allocate_port input")
			}
			if args.ServiceName == "" {
				args.ServiceName = "web"
			}

			var lastErr error
			for attempt := 0; attempt < portAttempts; attempt++ {
				a := &coreapi.Allocation{
					ProjectID:    args.ProjectID,
					ServerHandle: args.ServerHandle,
					Port:         portRangeStart + rand.Intn(portRangeSize),
					ServiceName:  args.ServiceName,
				}
				created, err := deps.API.CreateAllocation(ctx, a)
				if err != nil {
					if apperrors.Code(err) == apperrors.ErrCodeConflict {
						lastErr = err
						continue
					}
					return nil, err
				}
				return &Result{
					Content: fmt.Sprintf("allocated %s:%d for %s (%s)",
						created.ServerHandle, created.Port, created.ServiceName, created.ID),
					Update: graph.Update{
						graph.KeyAllocatedResources: map[string]string{
							args.ServiceName: fmt.Sprintf("%s:%d", created.ServerHandle, created.Port),
						},
					},
				}, nil
			}
			return nil, apperrors.Wrap(lastErr, "port allocation kept colliding")
		},
	}
}

func listAllocations(deps *Deps) Tool {
	return &tool{
		name:        "list_allocations",
		description: "List port allocations for a project.",
		schema: objectSchema(map[string]interface{}{
			"project_id": prop("string", "The project id"),
		}, "project_id"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				ProjectID string `json:"project_id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed list_allocations input")
			}
			allocs, err := deps.API.ListAllocations(ctx, args.ProjectID)
			if err != nil {
				return nil, err
			}
			if len(allocs) == 0 {
				return &Result{Content: "no allocations"}, nil
			}
			var b strings.Builder
			for _, a := range allocs {
				fmt.Fprintf(&b, "- %s: %s:%d (%s)\n", a.ServiceName, a.ServerHandle, a.Port, a.ID)
			}
			return &Result{Content: b.String()}, nil
		},
	}
}

func releaseAllocation(deps *Deps) Tool {
	return &tool{
		name:        "release_allocation",
		description: "Release a port allocation.",
		schema: objectSchema(map[string]interface{}{
			"server_handle": prop("string", "Handle of the server the allocation is on"),
			"allocation_id": prop("string", "The allocation id"),
		}, "server_handle", "allocation_id"),
		run: func(ctx context.Context, _ *graph.State, input json.RawMessage) (*Result, error) {
			var args struct {
				ServerHandle string `json:"server_handle"`
				AllocationID string `json:"allocation_id"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, apperrors.BadRequest("malformed release_allocation input")
			}
			if err := deps.API.ReleaseAllocation(ctx, args.ServerHandle, args.AllocationID); err != nil {
				return nil, err
			}
			return &Result{Content: "allocation " + args.AllocationID + " released"}, nil
		},
	}
}
