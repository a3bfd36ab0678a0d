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
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/usernameisveryok/PacketScope/tracer"
)

var funcsCmd = &cobra.Command{
	Use:   "funcs",
	Short: "Run BTF discovery and print the candidate function set",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()
		spec, err := tracer.LoadKernelBTF()
		if err != nil {
			log.Fatalf("unable to load BTF: %v", err)
		}
		funcs, err := tracer.DiscoverFunctions(spec)
		if err != nil {
			log.Fatalf("unable to discover functions: %v", err)
		}
		for _, f := range funcs {
			fmt.Printf("%d\t%s\n", f.ID, f.Name)
		}
	},
}

func init() {
	RootCmd.AddCommand(funcsCmd)
}
