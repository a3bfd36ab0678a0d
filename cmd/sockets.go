/*
Copyright (c) PacketScope and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"encoding/json"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/usernameisveryok/PacketScope/tracer"
)

var socketsCmd = &cobra.Command{
	Use:   "sockets",
	Short: "Print a one-shot snapshot of every active socket table",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()
		enc := json.NewEncoder(os.Stdout)
		if err := enc.Encode(tracer.ListAll()); err != nil {
			log.Fatalf("unable to encode snapshot: %v", err)
		}
	},
}

func init() {
	RootCmd.AddCommand(socketsCmd)
}
