package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/dreece/mcp-connmgr-go/pkg/connmgr"
)

func main() {
	configPath := flag.String("config", "", "optional YAML file describing servers")
	flag.Parse()

	configs := map[string]connmgr.ServerConfig{
		"everything": &connmgr.StdioServerConfig{
			BaseServerConfig: connmgr.BaseServerConfig{Timeout: 15 * time.Second},
			Command:          "npx",
			Args:             []string{"@modelcontextprotocol/server-everything"},
		},
	}
	if *configPath != "" {
		loaded, err := connmgr.LoadConfigFile(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		configs = loaded
	}

	manager := connmgr.NewManager(configs, &connmgr.ManagerOptions{
		DefaultClientName: "connmgr-example",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, serverID := range manager.ListServers() {
		if _, err := manager.ConnectToServer(ctx, serverID, nil); err != nil {
			log.Printf("connect %s: %v", serverID, err)
			continue
		}
		tools, err := manager.ListTools(ctx, serverID, nil)
		if err != nil {
			log.Printf("list tools on %s: %v", serverID, err)
			continue
		}
		fmt.Printf("%s: %d tools\n", serverID, len(tools.Tools))
		for _, tool := range tools.Tools {
			fmt.Printf("  %s\n", tool.Name)
		}
	}

	for _, summary := range manager.GetServerSummaries() {
		fmt.Printf("server %s (%s): %s\n", summary.ID, connmgr.TransportOf(summary.Config), summary.Status)
	}

	if err := manager.DisconnectAllServers(ctx); err != nil {
		log.Printf("disconnect: %v", err)
	}
}
