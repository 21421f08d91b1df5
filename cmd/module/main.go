package main

import (
	"armer"

	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: armer.Model},
		resource.APIModel{API: discovery.API, Model: armer.DiscoveryModel},
	)
}
